// Package credential はソースロスターAPIのOAuth2クレデンシャルの
// 永続化とリフレッシュを提供する。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/groupsync/internal/model"
	"github.com/hitoshi/groupsync/internal/repository"
)

// ErrNotLinked はアカウントが未リンクであることを示す。
// 同期を実行する前にOAuth2フローでアカウントをリンクする必要がある。
var ErrNotLinked = errors.New("no linked account: link an account before syncing")

// ErrRefreshExpired はリフレッシュトークンの有効期間が経過したことを示す。
// アカウントの再リンクが必要になる。
var ErrRefreshExpired = errors.New("refresh token expired: account must be relinked")

// Key は永続化層でこのクレデンシャルを識別するキー。
const Key = "roster"

// Config はStoreの設定を保持する。
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string

	// RefreshTokenTTL はリフレッシュトークンの有効期間。
	// 0の場合は失効チェックを行わない。
	RefreshTokenTTL time.Duration
}

// Store はOAuth2トークンペアの単一論理ライターとなる永続ストア。
// リフレッシュはミューテックスで直列化され、ロック待ちの間に他の
// 呼び出し元がリフレッシュを完了していた場合はその結果を再利用する。
type Store struct {
	repo   repository.CredentialRepository
	oauth  *oauth2.Config
	logger *slog.Logger

	refreshTTL time.Duration
	now        func() time.Time

	mu sync.Mutex
}

// NewStore はStoreを生成する。
func NewStore(repo repository.CredentialRepository, cfg Config, logger *slog.Logger) *Store {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
			// ロスターのOAuth2はクレデンシャルをリクエストボディで受け取る
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	return &Store{
		repo:       repo,
		oauth:      oauthCfg,
		logger:     logger,
		refreshTTL: cfg.RefreshTokenTTL,
		now:        time.Now,
	}
}

// AuthCodeURL は認可コードフローの同意画面URLを返す。
func (s *Store) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state)
}

// Exchange は認可コードをトークンペアに交換して永続化する。
func (s *Store) Exchange(ctx context.Context, code string) error {
	token, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	cred := s.credFromToken(token)
	if err := s.repo.Save(ctx, Key, cred); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}

	s.logger.Info("OAuth2 account linked successfully")
	return nil
}

// Get は保存済みのクレデンシャルを返す。未リンクの場合はErrNotLinked。
func (s *Store) Get(ctx context.Context) (*model.Credential, error) {
	cred, err := s.repo.Get(ctx, Key)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotLinked
	}
	return cred, nil
}

// Token は有効なアクセストークンを返す。期限切れの場合はリフレッシュする。
func (s *Store) Token(ctx context.Context) (string, error) {
	cred, err := s.Get(ctx)
	if err != nil {
		return "", err
	}

	if cred.Expired(s.now()) {
		cred, err = s.Refresh(ctx, cred.AccessToken)
		if err != nil {
			return "", err
		}
	}

	return cred.AccessToken, nil
}

// Refresh はトークンペアをリフレッシュして永続化し、新しいクレデンシャルを返す。
// observedAccessTokenには呼び出し元が失敗を観測したアクセストークンを渡す。
// 保存済みのトークンが既に別のものに置き換わっている場合、他の呼び出し元が
// リフレッシュを完了済みとみなしワイヤコールを発行せずにそれを返す。
func (s *Store) Refresh(ctx context.Context, observedAccessToken string) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}

	// ロック待ちの間に完了した並行リフレッシュの結果を再利用する
	if cred.AccessToken != observedAccessToken {
		return cred, nil
	}

	if cred.RefreshExpired(s.now()) {
		return nil, ErrRefreshExpired
	}

	s.logger.Warn("access token possibly expired, refreshing")

	source := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		s.logger.Error("failed to refresh access token", slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}

	next := s.credFromToken(token)
	// プロバイダーがリフレッシュトークンをローテートしない場合は引き継ぐ
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}

	if err := s.repo.CompareAndSwap(ctx, Key, next, cred.Version); err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			// 競り負けた場合は勝者のトークンを読み直して使う
			return s.Get(ctx)
		}
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	return s.Get(ctx)
}

func (s *Store) credFromToken(token *oauth2.Token) *model.Credential {
	cred := &model.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if s.refreshTTL > 0 {
		cred.RefreshExpiresAt = s.now().Add(s.refreshTTL)
	}
	return cred
}
