package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/hitoshi/groupsync/internal/config"
	"github.com/hitoshi/groupsync/internal/credential"
	"github.com/hitoshi/groupsync/internal/database"
	"github.com/hitoshi/groupsync/internal/directory"
	"github.com/hitoshi/groupsync/internal/handler"
	"github.com/hitoshi/groupsync/internal/logger"
	"github.com/hitoshi/groupsync/internal/metrics"
	"github.com/hitoshi/groupsync/internal/reconcile"
	"github.com/hitoshi/groupsync/internal/report"
	"github.com/hitoshi/groupsync/internal/repository"
	"github.com/hitoshi/groupsync/internal/roster"
	syncpkg "github.com/hitoshi/groupsync/internal/sync"
	"github.com/hitoshi/groupsync/internal/worker/schedule"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// syncDeps は serve / worker で共有する依存関係一式。
type syncDeps struct {
	credStore *credential.Store
	service   *syncpkg.Service
	registry  *prometheus.Registry
}

// buildSyncDeps は同期パイプラインの全依存関係をワイヤリングする。
// ロスター・ディレクトリ双方のHTTPクライアントにはメトリクス計測用の
// トランスポートを差し込む。
func buildSyncDeps(ctx context.Context, cfg *config.Config, db *sql.DB, log *slog.Logger) *syncDeps {
	credRepo := repository.NewPostgresCredentialRepo(db)
	leaseRepo := repository.NewPostgresRunLeaseRepo(db)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	credStore := credential.NewStore(credRepo, credential.Config{
		ClientID:        cfg.RosterOAuthClientID,
		ClientSecret:    cfg.RosterOAuthClientSecret,
		AuthURL:         cfg.RosterOAuthAuthURL,
		TokenURL:        cfg.RosterOAuthTokenURL,
		RedirectURL:     cfg.BaseURL + "/auth/callback",
		RefreshTokenTTL: cfg.RosterRefreshTokenTTL,
	}, logger.Component(log, "credential"))

	rosterClient := roster.NewClient(
		&http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: &metrics.InstrumentedTransport{Provider: "roster", Collector: collector},
		},
		credStore,
		roster.Config{
			BaseURL:          cfg.RosterAPIBaseURL,
			SubscriptionKey:  cfg.RosterSubscriptionKey,
			RetryAfterMargin: cfg.RetryAfterMargin,
			RatePerSecond:    cfg.OutboundRatePerSecond,
		},
		logger.Component(log, "roster"),
	)

	// サービスアカウントのトークン交換と以降のAPI呼び出しの両方を
	// 計測対象にするため、oauth2のHTTPクライアントを差し替える
	dirCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: &metrics.InstrumentedTransport{Provider: "directory", Collector: collector},
	})
	dirClient := directory.NewServiceAccountClient(dirCtx, directory.ServiceAccount{
		Email:      cfg.DirectoryServiceEmail,
		PrivateKey: cfg.DirectoryServiceKey,
		TokenURL:   cfg.DirectoryTokenURL,
	}, directory.Config{
		BaseURL:        cfg.DirectoryAPIBaseURL,
		Domain:         cfg.DirectoryDomain,
		SettleDelay:    cfg.GroupCreateSettleDelay,
		RateLimitDelay: cfg.RateLimitDelay,
		RatePerSecond:  cfg.OutboundRatePerSecond,
		RetryMax:       cfg.RetryMax,
	}, logger.Component(log, "directory"))

	var passes []syncpkg.Pass
	if cfg.SyncStudentsEnabled {
		passes = append(passes, syncpkg.Pass{
			Role:       cfg.StudentRole,
			Reconciler: reconcile.NewStudentReconciler(dirClient, rosterClient, cfg, log),
		})
	}
	if cfg.SyncGuardiansEnabled {
		passes = append(passes, syncpkg.Pass{
			Role:       cfg.GuardianRole,
			Reconciler: reconcile.NewGuardianReconciler(dirClient, rosterClient, cfg, cfg.GuardianRole, log),
		})
		for _, role := range cfg.HistoricalGuardianRoles {
			passes = append(passes, syncpkg.Pass{
				Role:       role,
				Reconciler: reconcile.NewGuardianReconciler(dirClient, rosterClient, cfg, role, log),
			})
		}
	}

	var reporter syncpkg.Reporter
	if cfg.ReportingEnabled() {
		reporter = report.NewMailer(cfg, logger.Component(log, "report"))
	} else {
		log.Info("reporting disabled (SMTP not configured)")
	}

	roleSync := syncpkg.NewRoleSync(rosterClient, log, cfg.SyncMaxConcurrent)
	runner := syncpkg.NewRunner(rosterClient, roleSync, passes, reporter, cfg.ReportFrequency, collector, log)
	guard := syncpkg.NewGuard(leaseRepo, cfg.LeaseName, cfg.LeaseStaleAfter, cfg.LeaseHeartbeatInterval, log)

	return &syncDeps{
		credStore: credStore,
		service:   syncpkg.NewService(guard, runner, log),
		registry:  registry,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	deps := buildSyncDeps(context.Background(), cfg, db, slog.Default())

	router := handler.NewRouter(&handler.RouterDeps{
		CredentialService: deps.credStore,
		SyncService:       deps.service,
		Gatherer:          deps.registry,
		Logger:            slog.Default(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	deps := buildSyncDeps(ctx, cfg, db, slog.Default())

	if !cfg.SyncScheduleEnabled {
		slog.Info("sync schedule is disabled, worker is idle")
		<-ctx.Done()
		slog.Info("worker stopped gracefully")
		return nil
	}

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// 開発環境では動作確認のため起動直後に1回実行する
	scheduler := schedule.NewScheduler(deps.service, cfg.SyncInterval, !cfg.Production, slog.Default())
	scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
