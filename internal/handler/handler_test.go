package handler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/groupsync/internal/credential"
	"github.com/hitoshi/groupsync/internal/model"
)

// fakeCredentialService はCredentialServiceのフェイク実装。
type fakeCredentialService struct {
	cred        *model.Credential
	getErr      error
	exchangeErr error
	exchanged   []string
}

func (f *fakeCredentialService) AuthCodeURL(state string) string {
	return "https://roster.example/authorize?state=" + state
}

func (f *fakeCredentialService) Exchange(ctx context.Context, code string) error {
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanged = append(f.exchanged, code)
	return nil
}

func (f *fakeCredentialService) Get(ctx context.Context) (*model.Credential, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	// 実ストアと同じ契約: 未リンクは (nil, ErrNotLinked)
	if f.cred == nil {
		return nil, credential.ErrNotLinked
	}
	return f.cred, nil
}

// fakeSyncService はSyncServiceのフェイク実装。
type fakeSyncService struct {
	started bool
	busy    bool
}

func (f *fakeSyncService) Start(ctx context.Context) bool {
	if f.busy {
		return false
	}
	f.started = true
	return true
}

func testLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil))
}

func newTestRouter(creds *fakeCredentialService, syncs *fakeSyncService) http.Handler {
	return NewRouter(&RouterDeps{
		CredentialService: creds,
		SyncService:       syncs,
		Gatherer:          prometheus.NewRegistry(),
		Logger:            testLogger(),
	})
}

func TestAuthorize_RedirectsToConsentURL(t *testing.T) {
	router := newTestRouter(&fakeCredentialService{}, &fakeSyncService{})

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if !strings.HasPrefix(location, "https://roster.example/authorize?state=") {
		t.Errorf("リダイレクト先が一致しない: %s", location)
	}

	// stateがCookieにも保存されていること
	var stateCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == oauthStateCookie {
			stateCookie = c
		}
	}
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatal("state Cookieが設定されていない")
	}
	if !strings.HasSuffix(location, stateCookie.Value) {
		t.Errorf("URLのstateとCookieが一致しない: %s / %s", location, stateCookie.Value)
	}
}

func TestCallback(t *testing.T) {
	t.Run("コードを交換して成功ページを返す", func(t *testing.T) {
		creds := &fakeCredentialService{}
		router := newTestRouter(creds, &fakeSyncService{})

		req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state=abc", nil)
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "abc"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Result().StatusCode)
		}
		if len(creds.exchanged) != 1 || creds.exchanged[0] != "auth-code" {
			t.Errorf("交換されたコードが一致しない: %v", creds.exchanged)
		}
		if !strings.Contains(w.Body.String(), "Authorization complete") {
			t.Errorf("成功ページが返っていない: %s", w.Body.String())
		}
	})

	t.Run("stateが一致しない場合は拒否する", func(t *testing.T) {
		creds := &fakeCredentialService{}
		router := newTestRouter(creds, &fakeSyncService{})

		req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state=evil", nil)
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "abc"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Result().StatusCode)
		}
		if len(creds.exchanged) != 0 {
			t.Error("交換は行われないはず")
		}
	})

	t.Run("プロバイダーのエラーパラメータを表示する", func(t *testing.T) {
		router := newTestRouter(&fakeCredentialService{}, &fakeSyncService{})

		req := httptest.NewRequest(http.MethodGet, "/auth/callback?error=access_denied&error_description=User+declined", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", w.Result().StatusCode)
		}
		if !strings.Contains(w.Body.String(), "User declined") {
			t.Errorf("エラー内容が表示されていない: %s", w.Body.String())
		}
	})

	t.Run("交換失敗は502を返す", func(t *testing.T) {
		creds := &fakeCredentialService{exchangeErr: errors.New("token endpoint unavailable")}
		router := newTestRouter(creds, &fakeSyncService{})

		req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=auth-code&state=abc", nil)
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "abc"})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Result().StatusCode != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", w.Result().StatusCode)
		}
	})
}

func TestSetup(t *testing.T) {
	t.Run("未リンク時はリンクを案内する", func(t *testing.T) {
		// フェイクのGetは実ストアと同様に (nil, ErrNotLinked) を返す
		router := newTestRouter(&fakeCredentialService{}, &fakeSyncService{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup", nil))

		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Result().StatusCode)
		}
		if !strings.Contains(w.Body.String(), "Setup required") {
			t.Errorf("未リンクページが返っていない: %s", w.Body.String())
		}
	})

	t.Run("取得エラーは500を返す", func(t *testing.T) {
		creds := &fakeCredentialService{getErr: errors.New("db down")}
		router := newTestRouter(creds, &fakeSyncService{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup", nil))

		if w.Result().StatusCode != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", w.Result().StatusCode)
		}
	})

	t.Run("リンク済みなら状態を表示する", func(t *testing.T) {
		creds := &fakeCredentialService{cred: &model.Credential{
			AccessToken: "tok",
			ExpiresAt:   time.Now().Add(time.Hour),
			UpdatedAt:   time.Now(),
		}}
		router := newTestRouter(creds, &fakeSyncService{})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/setup", nil))

		if !strings.Contains(w.Body.String(), "Setup complete") {
			t.Errorf("リンク済みページが返っていない: %s", w.Body.String())
		}
	})
}

func TestSync(t *testing.T) {
	t.Run("開始できた場合は202", func(t *testing.T) {
		syncs := &fakeSyncService{}
		router := newTestRouter(&fakeCredentialService{}, syncs)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync", nil))

		if w.Result().StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", w.Result().StatusCode)
		}
		if w.Body.String() != "Sync started" {
			t.Errorf("本文が一致しない: %s", w.Body.String())
		}
		if !syncs.started {
			t.Error("同期が開始されていない")
		}
	})

	t.Run("実行中は409", func(t *testing.T) {
		router := newTestRouter(&fakeCredentialService{}, &fakeSyncService{busy: true})

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync", nil))

		if w.Result().StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", w.Result().StatusCode)
		}
		if w.Body.String() != "Sync already running" {
			t.Errorf("本文が一致しない: %s", w.Body.String())
		}
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	router := newTestRouter(&fakeCredentialService{}, &fakeSyncService{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", w.Result().StatusCode)
	}
}
