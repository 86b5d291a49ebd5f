// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/groupsync/internal/credential"
	"github.com/hitoshi/groupsync/internal/model"
)

const oauthStateCookie = "oauth_state"

// CredentialService は認証ハンドラーが必要とするクレデンシャル操作。
type CredentialService interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) error
	Get(ctx context.Context) (*model.Credential, error)
}

// AuthHandler はロスターAPIとのOAuthリンクを扱うHTTPハンドラー。
type AuthHandler struct {
	service CredentialService
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service CredentialService, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		logger:  logger,
	}
}

// Authorize はロスターAPIの同意画面へリダイレクトする。
// GET /auth
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.logger.Error("stateの生成に失敗しました", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.AuthCodeURL(state), http.StatusFound)
}

// Callback は認可コードをトークンに交換して永続化する。
// GET /auth/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// プロバイダー側で拒否された場合はエラーパラメータで戻ってくる
	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("認可が拒否されました",
			slog.String("error", errCode),
			slog.String("description", query.Get("error_description")),
		)
		writeResultPage(w, http.StatusBadRequest, "Authorization failed",
			fmt.Sprintf("The roster provider returned an error: %s",
				html.EscapeString(describeProviderError(query.Get("error_description"), errCode))))
		return
	}

	code := query.Get("code")
	if code == "" {
		writeResultPage(w, http.StatusBadRequest, "Authorization failed", "Missing authorization code.")
		return
	}

	cookie, err := r.Cookie(oauthStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != query.Get("state") {
		h.logger.Warn("stateが一致しません")
		writeResultPage(w, http.StatusBadRequest, "Authorization failed", "State mismatch. Please restart the flow.")
		return
	}

	if err := h.service.Exchange(r.Context(), code); err != nil {
		h.logger.Error("トークン交換に失敗しました", slog.String("error", err.Error()))
		writeResultPage(w, http.StatusBadGateway, "Authorization failed", "Token exchange failed. Please try again.")
		return
	}

	h.logger.Info("ロスターAPIのリンクが完了しました")
	writeResultPage(w, http.StatusOK, "Authorization complete", "The roster account is now linked. You can close this page.")
}

// Setup はリンク状態の確認ページを返す。
// GET /setup
func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	cred, err := h.service.Get(r.Context())
	if err != nil && !errors.Is(err, credential.ErrNotLinked) {
		h.logger.Error("クレデンシャルの取得に失敗しました", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if cred == nil {
		writeResultPage(w, http.StatusOK, "Setup required",
			`No roster credential is linked yet. <a href="/auth">Link the roster account</a> to enable syncing.`)
		return
	}

	status := "valid"
	if cred.Expired(time.Now()) {
		status = "expired (will refresh on next use)"
	}
	writeResultPage(w, http.StatusOK, "Setup complete",
		fmt.Sprintf("Roster credential linked. Access token is %s, last updated %s.",
			status, cred.UpdatedAt.Format("2006-01-02 15:04:05 MST")))
}

func describeProviderError(description, code string) string {
	if description != "" {
		return description
	}
	return code
}

// writeResultPage は簡素なHTML結果ページを書き込む。
func writeResultPage(w http.ResponseWriter, statusCode int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `<html><head><title>%s</title></head><body><h2>%s</h2><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(title), body)
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
