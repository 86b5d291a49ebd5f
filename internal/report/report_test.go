package report

import (
	"bytes"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/model"
)

func testReport(errs, warns []string) *model.RunReport {
	return &model.RunReport{
		RunID:      "run-1",
		StartedAt:  time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 5, 1, 3, 12, 0, 0, time.UTC),
		Summaries: []model.RoleSummary{
			{Role: "Student", Total: 120, Succeeded: 118, Errors: errs, Warnings: warns},
		},
	}
}

func TestShouldSend(t *testing.T) {
	clean := testReport(nil, nil)
	warned := testReport(nil, []string{"warn"})
	failed := testReport([]string{"boom"}, nil)

	tests := []struct {
		name   string
		freq   config.ReportFrequency
		report *model.RunReport
		want   bool
	}{
		{"alwaysは常に送信", config.ReportAlways, clean, true},
		{"on-errorはエラーなしなら送信しない", config.ReportOnError, clean, false},
		{"on-errorは警告のみでも送信しない", config.ReportOnError, warned, false},
		{"on-errorはエラーで送信", config.ReportOnError, failed, true},
		{"on-warningは警告で送信", config.ReportOnWarning, warned, true},
		{"on-warningはエラーでも送信", config.ReportOnWarning, failed, true},
		{"on-warningはクリーンなら送信しない", config.ReportOnWarning, clean, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldSend(tt.freq, tt.report); got != tt.want {
				t.Errorf("期待値 %v, 実際 %v", tt.want, got)
			}
		})
	}
}

func TestMailerSend(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg := &config.Config{
		SMTPHost:   "smtp.example.org",
		SMTPPort:   587,
		ReportFrom: "sync@example.org",
		ReportTo:   "admin@example.org, it@example.org",
	}

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	m := NewMailer(cfg, logger)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	report := testReport([]string{"no target account found for Jane Doe"}, []string{"org unit fallback"})
	if err := m.Send(report); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if gotAddr != "smtp.example.org:587" {
		t.Errorf("アドレスが一致しない: %s", gotAddr)
	}
	if gotFrom != "sync@example.org" {
		t.Errorf("差出人が一致しない: %s", gotFrom)
	}
	if len(gotTo) != 2 || gotTo[1] != "it@example.org" {
		t.Errorf("宛先が一致しない: %v", gotTo)
	}

	body := string(gotMsg)
	for _, want := range []string{
		"Subject: Group Sync Report - 2026-05-01",
		"Content-Type: text/html",
		"<h3>Student</h3>",
		"no target account found for Jane Doe",
		"org unit fallback",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("本文に %q が含まれていない", want)
		}
	}
}
