// Package report は同期実行結果のメールレポートを提供する。
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/model"
)

// bodyTemplate はレポート本文のHTMLテンプレート。
var bodyTemplate = template.Must(template.New("report").Parse(`<html>
<body>
<h2>Group Sync Report</h2>
<p>Run {{.RunID}} started {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}, finished {{.FinishedAt.Format "2006-01-02 15:04:05 MST"}}.</p>
{{range .Summaries}}
<h3>{{.Role}}</h3>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Total</th><th>Succeeded</th><th>Errors</th><th>Warnings</th></tr>
<tr><td>{{.Total}}</td><td>{{.Succeeded}}</td><td>{{len .Errors}}</td><td>{{len .Warnings}}</td></tr>
</table>
{{if .Errors}}
<h4>Errors</h4>
<ul>{{range .Errors}}<li>{{.}}</li>{{end}}</ul>
{{end}}
{{if .Warnings}}
<h4>Warnings</h4>
<ul>{{range .Warnings}}<li>{{.}}</li>{{end}}</ul>
{{end}}
{{end}}
</body>
</html>
`))

// ShouldSend は送信ポリシーに照らしてレポートを送信すべきかどうかを返す。
func ShouldSend(freq config.ReportFrequency, report *model.RunReport) bool {
	switch freq {
	case config.ReportAlways:
		return true
	case config.ReportOnError:
		return report.HasErrors()
	case config.ReportOnWarning:
		return report.HasErrors() || report.HasWarnings()
	default:
		return false
	}
}

// sendFunc はsmtp.SendMailの差し替えポイント。
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer はSMTP経由でレポートを送信する。
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	logger   *slog.Logger

	send sendFunc
}

// NewMailer はMailerを生成する。宛先はカンマ区切りで複数指定できる。
func NewMailer(cfg *config.Config, logger *slog.Logger) *Mailer {
	var to []string
	for _, addr := range strings.Split(cfg.ReportTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			to = append(to, addr)
		}
	}

	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.ReportFrom,
		to:       to,
		logger:   logger,
		send:     smtp.SendMail,
	}
}

// Send はレポートをメールとして送信する。
func (m *Mailer) Send(report *model.RunReport) error {
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, report); err != nil {
		return fmt.Errorf("failed to render report body: %w", err)
	}

	subject := "Group Sync Report - " + report.FinishedAt.Format("2006-01-02")

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(m.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	if err := m.send(addr, auth, m.from, m.to, msg.Bytes()); err != nil {
		return fmt.Errorf("failed to send report mail: %w", err)
	}

	m.logger.Info("sent sync report",
		slog.String("run_id", report.RunID),
		slog.String("to", strings.Join(m.to, ",")),
	)
	return nil
}
