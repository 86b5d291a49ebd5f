// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/groupsync/internal/model"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	ServerPort string
	BaseURL    string
	Production bool

	// Database
	DatabaseURL string

	// Roster (ソースロスターAPI)
	RosterAPIBaseURL        string
	RosterOAuthClientID     string
	RosterOAuthClientSecret string
	RosterOAuthAuthURL      string
	RosterOAuthTokenURL     string
	RosterSubscriptionKey   string
	RosterRefreshTokenTTL   time.Duration

	// Directory (ターゲットディレクトリAPI)
	DirectoryAPIBaseURL   string
	DirectoryTokenURL     string
	DirectoryDomain       string
	DirectoryServiceEmail string
	DirectoryServiceKey   string

	// Sync
	StudentRole              string
	GuardianRole             string
	HistoricalGuardianRoles  []string
	SyncStudentsEnabled      bool
	SyncGuardiansEnabled     bool
	SyncStudentEmailsEnabled bool

	// Account provisioning
	AccountCreationEnabled bool
	AccountMinGradYear     int
	DefaultAccountPassword string
	DefaultOrgUnitPath     string

	// Groups
	StudentGroupPrefix       string
	StudentGroupName         string
	StudentGroupPermissions  model.GroupPermissions
	GuardianGroupPrefix      string
	GuardianGroupName        string
	GuardianGroupPermissions model.GroupPermissions

	// Retry / backoff
	RateLimitDelay         time.Duration
	RetryAfterMargin       time.Duration
	RetryMax               int
	GroupCreateSettleDelay time.Duration
	RequestTimeout         time.Duration
	OutboundRatePerSecond  float64
	SyncMaxConcurrent      int

	// Scheduler
	SyncInterval        time.Duration
	SyncScheduleEnabled bool

	// Run lease
	LeaseName              string
	LeaseStaleAfter        time.Duration
	LeaseHeartbeatInterval time.Duration

	// Report
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	ReportFrom      string
	ReportTo        string
	ReportFrequency ReportFrequency
}

// ReportFrequency はレポート送信ポリシーを表す。
type ReportFrequency string

const (
	// ReportAlways は実行のたびにレポートを送信する。
	ReportAlways ReportFrequency = "always"
	// ReportOnError はエラーを含む実行のみレポートを送信する。
	ReportOnError ReportFrequency = "on-error"
	// ReportOnWarning は警告またはエラーを含む実行のみレポートを送信する。
	ReportOnWarning ReportFrequency = "on-warning"
)

// defaultStudentGroupPermissions は生徒グループのデフォルト権限。
// 参加は招待のみ、投稿は管理者のみに制限する。
var defaultStudentGroupPermissions = model.GroupPermissions{
	WhoCanJoin:           "INVITED_CAN_JOIN",
	WhoCanViewGroup:      "ALL_MEMBERS_CAN_VIEW",
	WhoCanViewMembership: "ALL_MANAGERS_CAN_VIEW",
	WhoCanPostMessage:    "ALL_MANAGERS_CAN_POST",
	WhoCanContactOwner:   "ALL_IN_DOMAIN_CAN_CONTACT",
	AllowExternalMembers: "false",
}

// defaultGuardianGroupPermissions は保護者グループのデフォルト権限。
// 保護者はドメイン外のアドレスを持つため外部メンバーを許可する。
var defaultGuardianGroupPermissions = model.GroupPermissions{
	WhoCanJoin:           "INVITED_CAN_JOIN",
	WhoCanViewGroup:      "ALL_MEMBERS_CAN_VIEW",
	WhoCanViewMembership: "ALL_MANAGERS_CAN_VIEW",
	WhoCanPostMessage:    "ALL_MANAGERS_CAN_POST",
	WhoCanContactOwner:   "ALL_IN_DOMAIN_CAN_CONTACT",
	AllowExternalMembers: "true",
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はすべて列挙したエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.BaseURL = required("BASE_URL")
	cfg.RosterAPIBaseURL = required("ROSTER_API_BASE_URL")
	cfg.RosterOAuthClientID = required("ROSTER_OAUTH_CLIENT_ID")
	cfg.RosterOAuthClientSecret = required("ROSTER_OAUTH_CLIENT_SECRET")
	cfg.RosterOAuthAuthURL = required("ROSTER_OAUTH_AUTH_URL")
	cfg.RosterOAuthTokenURL = required("ROSTER_OAUTH_TOKEN_URL")
	cfg.DirectoryAPIBaseURL = required("DIRECTORY_API_BASE_URL")
	cfg.DirectoryTokenURL = required("DIRECTORY_TOKEN_URL")
	cfg.DirectoryDomain = required("DIRECTORY_DOMAIN")
	cfg.DirectoryServiceEmail = required("DIRECTORY_SERVICE_EMAIL")
	cfg.DirectoryServiceKey = required("DIRECTORY_SERVICE_KEY")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 秘密鍵はAzure/CI経由で渡されるとリテラルの\nを含むことがある
	cfg.DirectoryServiceKey = strings.ReplaceAll(cfg.DirectoryServiceKey, `\n`, "\n")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.Production = os.Getenv("APP_ENV") == "production"
	cfg.RosterSubscriptionKey = getEnvString("ROSTER_SUBSCRIPTION_KEY", "")
	cfg.RosterRefreshTokenTTL = getEnvDuration("ROSTER_REFRESH_TOKEN_TTL", 365*24*time.Hour)

	// Sync
	cfg.StudentRole = getEnvString("STUDENT_ROLE", "Student")
	cfg.GuardianRole = getEnvString("GUARDIAN_ROLE", "Parent")
	cfg.HistoricalGuardianRoles = getEnvList("HISTORICAL_GUARDIAN_ROLES")
	cfg.SyncStudentsEnabled = getEnvBool("SYNC_STUDENTS_ENABLED", true)
	cfg.SyncGuardiansEnabled = getEnvBool("SYNC_GUARDIANS_ENABLED", true)
	cfg.SyncStudentEmailsEnabled = getEnvBool("SYNC_STUDENT_EMAILS_ENABLED", false)

	// Account provisioning
	cfg.AccountCreationEnabled = getEnvBool("ACCOUNT_CREATION_ENABLED", false)
	cfg.AccountMinGradYear = getEnvInt("ACCOUNT_MIN_GRAD_YEAR", 0)
	cfg.DefaultAccountPassword = getEnvString("DEFAULT_ACCOUNT_PASSWORD", "")
	cfg.DefaultOrgUnitPath = getEnvString("DEFAULT_ORG_UNIT_PATH", "/")

	// Groups
	cfg.StudentGroupPrefix = getEnvString("STUDENT_GROUP_PREFIX", "students")
	cfg.StudentGroupName = getEnvString("STUDENT_GROUP_NAME", "Class of")
	cfg.GuardianGroupPrefix = getEnvString("GUARDIAN_GROUP_PREFIX", "parents")
	cfg.GuardianGroupName = getEnvString("GUARDIAN_GROUP_NAME", "Parents of the Class of")

	var err error
	cfg.StudentGroupPermissions, err = getEnvPermissions("STUDENT_GROUP_PERMISSIONS", defaultStudentGroupPermissions)
	if err != nil {
		return nil, err
	}
	cfg.GuardianGroupPermissions, err = getEnvPermissions("GUARDIAN_GROUP_PERMISSIONS", defaultGuardianGroupPermissions)
	if err != nil {
		return nil, err
	}

	// Retry / backoff
	cfg.RateLimitDelay = getEnvDuration("RETRY_RATE_LIMIT_DELAY", 3*time.Second)
	cfg.RetryAfterMargin = getEnvDuration("RETRY_AFTER_MARGIN", 3*time.Second)
	cfg.RetryMax = getEnvInt("RETRY_MAX", 1)
	cfg.GroupCreateSettleDelay = getEnvDuration("GROUP_CREATE_SETTLE_DELAY", 3*time.Second)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 60*time.Second)
	cfg.OutboundRatePerSecond = getEnvFloat("OUTBOUND_RATE_PER_SECOND", 8)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)

	// Scheduler
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 24*time.Hour)
	cfg.SyncScheduleEnabled = getEnvBool("SYNC_SCHEDULE_ENABLED", false)

	// Run lease
	cfg.LeaseName = getEnvString("LEASE_NAME", "sync")
	cfg.LeaseStaleAfter = getEnvDuration("LEASE_STALE_AFTER", 10*time.Minute)
	cfg.LeaseHeartbeatInterval = getEnvDuration("LEASE_HEARTBEAT_INTERVAL", 30*time.Second)

	// Report
	cfg.SMTPHost = getEnvString("SMTP_HOST", "")
	cfg.SMTPPort = getEnvInt("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvString("SMTP_USERNAME", "")
	cfg.SMTPPassword = getEnvString("SMTP_PASSWORD", "")
	cfg.ReportFrom = getEnvString("REPORT_FROM", "")
	cfg.ReportTo = getEnvString("REPORT_TO", "")

	freq := ReportFrequency(getEnvString("REPORT_FREQUENCY", string(ReportOnError)))
	switch freq {
	case ReportAlways, ReportOnError, ReportOnWarning:
		cfg.ReportFrequency = freq
	default:
		return nil, fmt.Errorf("invalid REPORT_FREQUENCY: %q (want always, on-error or on-warning)", freq)
	}

	return cfg, nil
}

// ReportingEnabled はSMTP設定が揃っていてレポート送信が可能かどうかを返す。
func (c *Config) ReportingEnabled() bool {
	return c.SMTPHost != "" && c.ReportFrom != "" && c.ReportTo != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvPermissions はJSON形式の権限ブロックを読み込む。
// 未設定の場合はデフォルトを返し、不正なJSONはエラーにする。
func getEnvPermissions(key string, defaultVal model.GroupPermissions) (model.GroupPermissions, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	// シングルクォートで書かれた設定値を許容する
	v = strings.ReplaceAll(v, "'", `"`)

	var perms model.GroupPermissions
	if err := json.Unmarshal([]byte(v), &perms); err != nil {
		return model.GroupPermissions{}, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return perms, nil
}
