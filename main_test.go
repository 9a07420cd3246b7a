package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"healthsense/api"
	"healthsense/config"
	"healthsense/poller"
)

type fakeBackend struct {
	identity *httptest.Server
	api      *httptest.Server

	revoked       atomic.Bool
	recordCalls   atomic.Int32
	profileCalls  atomic.Int32
	timezoneCalls atomic.Int32
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}

	idMux := http.NewServeMux()
	idMux.HandleFunc("/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{
			"idToken":      "id-token-1",
			"refreshToken": "refresh-1",
			"expiresIn":    "3600",
			"localId":      "user-1",
			"email":        "user@example.test",
		})
	})
	idMux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if b.revoked.Load() {
			writeBody(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"code": 400, "message": "TOKEN_EXPIRED"},
			})
			return
		}
		writeBody(w, http.StatusOK, map[string]any{
			"id_token":      "id-token-2",
			"refresh_token": "refresh-1",
			"expires_in":    "3600",
			"user_id":       "user-1",
		})
	})
	b.identity = httptest.NewServer(idMux)
	t.Cleanup(b.identity.Close)

	apiMux := http.NewServeMux()
	guard := func(calls *atomic.Int32, body any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if b.revoked.Load() {
				writeBody(w, http.StatusUnauthorized, map[string]string{"detail": "Token revoked"})
				return
			}
			writeBody(w, http.StatusOK, body)
		}
	}
	apiMux.HandleFunc(api.RecordsPath, guard(&b.recordCalls, []map[string]any{
		{"id": "r1", "ts": 1700000000, "heart_rate": 72, "spo2": 98},
	}))
	apiMux.HandleFunc(api.ProfilePath, guard(&b.profileCalls, map[string]any{
		"status":  "success",
		"profile": map[string]any{"timezone": "UTC"},
	}))
	apiMux.HandleFunc(api.TimezonesPath, guard(&b.timezoneCalls, map[string]any{
		"timezones": []string{"UTC"},
	}))
	b.api = httptest.NewServer(apiMux)
	t.Cleanup(b.api.Close)
	return b
}

func testConfig(t *testing.T, b *fakeBackend) *config.Config {
	t.Helper()
	chdirForTest(t, t.TempDir())
	for _, key := range []string{
		"TELEGRAM_BOT_TOKEN", "MQTT_BROKER", "RABBITMQ_URL", "ALERT_WEBHOOK_URL",
		"FIREBASE_DATABASE_URL", "FIREBASE_SERVICE_ACCOUNT_JSON", "CACHE_BACKEND",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("HEALTHSENSE_API_URL", b.api.URL)
	t.Setenv("FIREBASE_API_KEY", "test-key")
	t.Setenv("FIREBASE_IDENTITY_URL", b.identity.URL)
	t.Setenv("FIREBASE_SECURETOKEN_URL", b.identity.URL)
	t.Setenv("HEALTHSENSE_EMAIL", "user@example.test")
	t.Setenv("HEALTHSENSE_PASSWORD", "secret")
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("POLL_INTERVAL", "1h")
	t.Setenv("NETWORK_RETRY_ATTEMPTS", "1")
	t.Setenv("NETWORK_RETRY_DELAY", "10ms")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

// startForTest fails the test if startAgent does not hand control back.
func startForTest(t *testing.T, ctx context.Context, cfg *config.Config) *agent {
	t.Helper()
	type result struct {
		a   *agent
		err error
	}
	started := make(chan result, 1)
	go func() {
		a, err := startAgent(ctx, cfg, zap.NewNop())
		started <- result{a, err}
	}()

	select {
	case r := <-started:
		require.NoError(t, r.err)
		return r.a
	case <-time.After(3 * time.Second):
		t.Fatal("startAgent did not return; a background loop is running on the caller's goroutine")
		return nil
	}
}

func TestStartAgent_ReturnsWithPollingRunning(t *testing.T) {
	b := newFakeBackend(t)
	cfg := testConfig(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startForTest(t, ctx, cfg)

	require.Eventually(t, func() bool { return a.synchronizer.State().Version > 0 }, 2*time.Second, 5*time.Millisecond)
	st := a.synchronizer.State()
	require.Len(t, st.Records, 1)
	assert.Equal(t, "r1", st.Records[0].ID)
	assert.NoError(t, st.Err)

	cancel()
	done := make(chan struct{})
	go func() {
		a.shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Nil(t, a.identity.CurrentUser())
}

func TestStartAgent_SessionEndStopsPollingAndDropsProfile(t *testing.T) {
	b := newFakeBackend(t)
	cfg := testConfig(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := startForTest(t, ctx, cfg)
	defer a.shutdown()

	require.Eventually(t, func() bool { return a.synchronizer.State().Version > 0 }, 2*time.Second, 5*time.Millisecond)

	_, err := a.profile.Profile(ctx)
	require.NoError(t, err)
	_, err = a.profile.Profile(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), b.profileCalls.Load(), "second read is served from cache")

	// The token is revoked server side; the forced refresh fails too.
	b.revoked.Store(true)
	_, err = a.profile.Timezones(ctx)
	assert.True(t, api.IsKind(err, api.KindAuth), "got %v", err)

	assert.Nil(t, a.identity.CurrentUser())
	assert.ErrorIs(t, a.synchronizer.Refresh(ctx), poller.ErrNotRunning)

	_, err = a.profile.Profile(ctx)
	assert.Error(t, err)
	assert.Equal(t, int32(2), b.profileCalls.Load(), "profile of the ended session is not reused")
}
