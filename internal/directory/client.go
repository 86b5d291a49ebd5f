// Package directory はターゲットディレクトリAPIのクライアントを提供する。
// アカウント・グループ・メンバーシップ・組織部門の操作を、重複/不在を
// 冪等な成功として扱うセマンティクスで公開する。
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"
	"golang.org/x/time/rate"

	"github.com/hitoshi/groupsync/internal/model"
)

// scopes はサービスアカウントに要求する固定スコープセット。
var scopes = []string{
	"https://www.googleapis.com/auth/admin.directory.group",
	"https://www.googleapis.com/auth/admin.directory.group.member",
	"https://www.googleapis.com/auth/admin.directory.user",
	"https://www.googleapis.com/auth/admin.directory.orgunit",
	"https://www.googleapis.com/auth/apps.groups.settings",
}

// Config はClientの設定を保持する。
type Config struct {
	// BaseURL はディレクトリAPIのベースURL。
	BaseURL string
	// Domain は操作対象のディレクトリドメイン。
	Domain string
	// SettleDelay はグループ作成の重複検出後、再取得までの待機時間。
	SettleDelay time.Duration
	// RateLimitDelay はレート超過エラー後の待機時間。
	RateLimitDelay time.Duration
	// RatePerSecond はアウトバウンド呼び出しのレート上限。0以下なら制限しない。
	RatePerSecond float64
	// RetryMax はレート超過エラー時の最大再試行回数。0以下なら再試行しない。
	RetryMax int
}

// ServiceAccount はサービスアカウントJWT認証の資格情報。
type ServiceAccount struct {
	Email      string
	PrivateKey string
	TokenURL   string
}

// Client はディレクトリAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter

	baseURL        string
	domain         string
	settleDelay    time.Duration
	rateLimitDelay time.Duration
	retryMax       int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient は認証済みのhttp.Clientを使うClientを生成する。
// テストではhttptestのクライアントを渡す。
func NewClient(httpClient *http.Client, cfg Config, logger *slog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}

	return &Client{
		httpClient:     httpClient,
		logger:         logger,
		limiter:        limiter,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		domain:         cfg.Domain,
		settleDelay:    cfg.SettleDelay,
		rateLimitDelay: cfg.RateLimitDelay,
		retryMax:       cfg.RetryMax,
		sleep:          sleepCtx,
	}
}

// NewServiceAccountClient はサービスアカウントJWTで認証するClientを生成する。
func NewServiceAccountClient(ctx context.Context, sa ServiceAccount, cfg Config, logger *slog.Logger) *Client {
	jwtCfg := &jwt.Config{
		Email:      sa.Email,
		PrivateKey: []byte(sa.PrivateKey),
		Scopes:     scopes,
		TokenURL:   sa.TokenURL,
	}

	httpClient := oauth2.NewClient(ctx, jwtCfg.TokenSource(ctx))
	return NewClient(httpClient, cfg, logger)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// apiErrorBody はディレクトリAPIのエラーレスポンス。
type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
			Reason  string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// classifyAPIError はレスポンスをエラー種別に分類する。
// ステータスコードを正とし、理由がメッセージ本文にしか現れない
// プロバイダーのために既知のフレーズも併せて照合する。
func classifyAPIError(statusCode int, body []byte) *model.ProviderError {
	var parsed apiErrorBody
	_ = json.Unmarshal(body, &parsed)

	msgs := make([]string, 0, len(parsed.Error.Errors))
	reasons := make([]string, 0, len(parsed.Error.Errors))
	for _, e := range parsed.Error.Errors {
		msgs = append(msgs, e.Message)
		reasons = append(reasons, e.Reason)
	}
	if len(msgs) == 0 && parsed.Error.Message != "" {
		msgs = append(msgs, parsed.Error.Message)
	}
	message := strings.Join(msgs, ",")
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	kind := model.KindUnknown
	switch {
	case statusCode == http.StatusTooManyRequests,
		hasReason(reasons, "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded"),
		strings.Contains(message, "Request rate higher than configured"):
		kind = model.KindRateLimited

	case statusCode == http.StatusConflict,
		hasReason(reasons, "duplicate"),
		strings.Contains(message, "already exists"),
		strings.Contains(message, "Member already exists"):
		kind = model.KindAlreadyExists

	case statusCode == http.StatusNotFound,
		hasReason(reasons, "notFound"),
		strings.Contains(message, "Resource Not Found"),
		// 空のmemberKeyは存在し得ないメンバーの削除として不在と同一視する
		strings.Contains(message, "Missing required field: memberKey"):
		kind = model.KindNotFound

	case statusCode == http.StatusUnauthorized:
		kind = model.KindAuth

	case statusCode == http.StatusBadRequest:
		kind = model.KindValidation
	}

	return &model.ProviderError{
		Kind:       kind,
		Provider:   "directory",
		StatusCode: statusCode,
		Message:    message,
	}
}

func hasReason(reasons []string, candidates ...string) bool {
	for _, r := range reasons {
		for _, c := range candidates {
			if r == c {
				return true
			}
		}
	}
	return false
}

// do はリクエストを実行し、レスポンスボディを返す。
// レート超過は固定遅延後に1回だけ再試行し、それでも失敗したら表面化する。
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	retries := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("directory request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read directory response: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		perr := classifyAPIError(resp.StatusCode, respBody)

		if perr.Kind == model.KindRateLimited && retries < c.retryMax {
			retries++
			c.logger.Warn("directory rate limit exceeded, retrying",
				slog.Duration("delay", c.rateLimitDelay),
				slog.Int("attempt", retries),
				slog.Int("retry_max", c.retryMax),
			)
			if err := c.sleep(ctx, c.rateLimitDelay); err != nil {
				return nil, err
			}
			continue
		}

		return nil, perr
	}
}
