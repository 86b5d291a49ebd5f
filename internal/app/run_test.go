package app

import (
	"bytes"
	"strings"
	"testing"
)

// TestRun_MigrateCommand_FailsWithoutDB はmigrateコマンドがDB不在時にエラーを返すことを検証する。
func TestRun_MigrateCommand_FailsWithoutDB(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil {
		t.Skip("Run(migrate) succeeded - DB is available in test environment")
	}
	if !strings.Contains(err.Error(), "migration failed") {
		t.Errorf("エラーにマイグレーション失敗の旨が含まれていない: %v", err)
	}
}

// TestRun_HealthcheckCommand_FailsWithoutServer はhealthcheckコマンドが
// サーバー不在時にエラーを返すことを検証する。
func TestRun_HealthcheckCommand_FailsWithoutServer(t *testing.T) {
	// 誰もlistenしていないポートを指定する
	t.Setenv("SERVER_PORT", "59999")

	var buf bytes.Buffer
	err := Run(&buf, []string{"healthcheck"})
	if err == nil {
		t.Fatal("サーバー不在でもhealthcheckが成功した")
	}
	if !strings.Contains(err.Error(), "health check failed") {
		t.Errorf("エラーにヘルスチェック失敗の旨が含まれていない: %v", err)
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	clearTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("必須環境変数が欠けていてもRunが成功した")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("エラーに初期化失敗の旨が含まれていない: %v", err)
	}
}
