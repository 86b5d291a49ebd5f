// Package roster はソースロスターAPIのクライアントを提供する。
// ページネーション、401時の自動トークンリフレッシュ、429時の
// retry-after準拠リトライを含む。
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/groupsync/internal/model"
)

// TokenSource はリクエストに使うアクセストークンの供給とリフレッシュを提供する。
// credential.Storeがこのインターフェースを満たす。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context, observedAccessToken string) (*model.Credential, error)
}

// Config はClientの設定を保持する。
type Config struct {
	// BaseURL はロスターAPIのベースURL（例: "https://api.example.com/school/v1"）。
	BaseURL string
	// SubscriptionKey はAPIサブスクリプションキー。空の場合はヘッダーを付けない。
	SubscriptionKey string
	// RetryAfterMargin は429時にretry-afterヘッダーへ上乗せする安全マージン。
	RetryAfterMargin time.Duration
	// RatePerSecond はアウトバウンド呼び出しのレート上限。0以下なら制限しない。
	RatePerSecond float64
}

// Client はロスターAPIのクライアント。
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	limiter    *rate.Limiter
	logger     *slog.Logger

	baseURL          string
	subscriptionKey  string
	retryAfterMargin time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, tokens TokenSource, cfg Config, logger *slog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)+1)
	}

	return &Client{
		httpClient:       httpClient,
		tokens:           tokens,
		limiter:          limiter,
		logger:           logger,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		subscriptionKey:  cfg.SubscriptionKey,
		retryAfterMargin: cfg.RetryAfterMargin,
		sleep:            sleepCtx,
	}
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

// rosterErrorBody はロスターAPIのエラーレスポンス。
type rosterErrorBody struct {
	Message string `json:"message"`
	Errors  []struct {
		Message    string `json:"message"`
		RawMessage string `json:"raw_message"`
	} `json:"errors"`
}

// joinErrorMessages はエラーレスポンスのメッセージをカンマ区切りで結合する。
func joinErrorMessages(body []byte) string {
	var parsed rosterErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}

	if len(parsed.Errors) > 0 {
		msgs := make([]string, 0, len(parsed.Errors))
		for _, e := range parsed.Errors {
			if e.Message != "" {
				msgs = append(msgs, e.Message)
			} else {
				msgs = append(msgs, e.RawMessage)
			}
		}
		return strings.Join(msgs, ",")
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(body))
}

// do はリクエストを実行し、レスポンスボディを返す。
// 401は1回だけトークンをリフレッシュして再試行し、再度401なら認証エラー。
// 429はretry-after+マージンだけ待機して再試行を続ける（ctxで打ち切られる）。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &model.ProviderError{Kind: model.KindAuth, Provider: "roster", Message: err.Error()}
	}

	refreshed := false

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqURL := c.baseURL + "/" + strings.TrimLeft(path, "/")
		if len(query) > 0 {
			reqURL += "?" + query.Encode()
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if c.subscriptionKey != "" {
			req.Header.Set("Bb-Api-Subscription-Key", c.subscriptionKey)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("roster request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read roster response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil

		case resp.StatusCode == http.StatusUnauthorized:
			if refreshed {
				return nil, &model.ProviderError{
					Kind:       model.KindAuth,
					Provider:   "roster",
					StatusCode: resp.StatusCode,
					Message:    joinErrorMessages(respBody),
				}
			}
			refreshed = true

			c.logger.Warn("access token rejected, refreshing and retrying once")
			cred, err := c.tokens.Refresh(ctx, token)
			if err != nil {
				return nil, &model.ProviderError{Kind: model.KindAuth, Provider: "roster", Message: err.Error()}
			}
			token = cred.AccessToken
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			delay := c.retryAfterDelay(resp.Header.Get("Retry-After"))
			c.logger.Warn("rate limit reached, retrying",
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue

		default:
			return nil, &model.ProviderError{
				Kind:       classifyStatus(resp.StatusCode),
				Provider:   "roster",
				StatusCode: resp.StatusCode,
				Message:    joinErrorMessages(respBody),
			}
		}
	}
}

// retryAfterDelay はretry-afterヘッダー値に安全マージンを上乗せした待機時間を返す。
func (c *Client) retryAfterDelay(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		seconds = 1
	}
	return time.Duration(seconds)*time.Second + c.retryAfterMargin
}

// classifyStatus はHTTPステータスコードをエラー種別に分類する。
func classifyStatus(statusCode int) model.ErrorKind {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.KindAuth
	case http.StatusNotFound:
		return model.KindNotFound
	case http.StatusConflict:
		return model.KindAlreadyExists
	case http.StatusBadRequest:
		return model.KindValidation
	default:
		return model.KindUnknown
	}
}
