package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhangz-2018/cc-switch/internal/breaker"
	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/memory"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Server.Port = 0 // ephemeral, lifecycle tests only

	s := New(Options{
		Config:   cfg,
		Store:    st,
		Breakers: breaker.NewRegistry(store.DefaultBreakerConfig(), clock.New()),
		Memories: memory.NewSQLiteRecorder(st.DB()),
	})
	return s, st
}

func seedClaudeProvider(t *testing.T, st store.Store, id, baseURL string, sortIndex int) {
	t.Helper()
	err := st.SaveProvider(context.Background(), store.Provider{
		ID:        id,
		AppType:   store.AppClaude,
		Name:      id,
		SortIndex: sortIndex,
		Enabled:   true,
		SettingsJSON: fmt.Sprintf(
			`{"env":{"ANTHROPIC_AUTH_TOKEN":"key-%s","ANTHROPIC_BASE_URL":"%s"}}`, id, baseURL),
	})
	require.NoError(t, err)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Stop(context.Background()), ErrNotRunning)
}

func TestStartFailsWhenPortHeld(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, _ := newTestServer(t)
	s.cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	assert.Error(t, s.Start(), "bind failures surface from Start, not the serve goroutine")
	assert.False(t, s.Running())
}

func TestStartLeavesWriteDeadlineUnset(t *testing.T) {
	s, _ := newTestServer(t)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	// Long-lived streams run with no deadline at all when auto-failover is
	// off, so the listener must not impose one of its own.
	assert.Zero(t, s.httpServer.WriteTimeout)
}

func TestProxyEndToEnd(t *testing.T) {
	var upstreamPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-sonnet-4","usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer upstream.Close()

	s, st := newTestServer(t)
	seedClaudeProvider(t, st, "primary", upstream.URL, 0)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/v1/messages", upstreamPath)
	assert.Contains(t, rec.Body.String(), `"input_tokens":12`)

	// Usage lands through the background logger.
	require.Eventually(t, func() bool {
		records, err := st.RecentUsage(context.Background(), 10)
		return err == nil && len(records) == 1
	}, 2*time.Second, 20*time.Millisecond)

	records, err := st.RecentUsage(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "primary", records[0].ProviderID)
	assert.EqualValues(t, 12, records[0].InputTokens)
	assert.EqualValues(t, 3, records[0].OutputTokens)
}

// countingStore tallies provider listings, which the router performs
// exactly once when it builds a request's candidate chain.
type countingStore struct {
	store.Store
	listCalls atomic.Int32
}

func (s *countingStore) ListProviders(ctx context.Context, app store.AppType) ([]store.Provider, error) {
	s.listCalls.Add(1)
	return s.Store.ListProviders(ctx, app)
}

func TestFailoverSelectsProvidersOnce(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-sonnet-4","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close() // connection refused from here on

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	seedClaudeProvider(t, st, "primary", dead.URL, 0)
	seedClaudeProvider(t, st, "backup", upstream.URL, 1)

	counting := &countingStore{Store: st}
	cfg := config.Default()
	cfg.Server.Port = 0
	s := New(Options{
		Config:   cfg,
		Store:    counting,
		Breakers: breaker.NewRegistry(store.DefaultBreakerConfig(), clock.New()),
		Memories: memory.NewSQLiteRecorder(st.DB()),
	})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages", map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, counting.listCalls.Load(),
		"one selection builds the whole chain; failing over must not re-select")
}

func TestRouteAliasesCollapse(t *testing.T) {
	var mu sync.Mutex
	paths := make([]string, 0, 4)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	s, st := newTestServer(t)
	require.NoError(t, st.SaveProvider(context.Background(), store.Provider{
		ID: "cx", AppType: store.AppCodex, Name: "cx", Enabled: true,
		SettingsJSON: fmt.Sprintf(
			`{"auth":{"OPENAI_API_KEY":"sk-test"},"config":"base_url = \"%s\""}`, upstream.URL),
	}))
	h := s.Handler()

	for _, alias := range []string{
		"/chat/completions", "/v1/chat/completions",
		"/v1/v1/chat/completions", "/codex/v1/chat/completions",
	} {
		rec := doJSON(t, h, http.MethodPost, alias, map[string]any{"model": "gpt-5"})
		require.Equal(t, http.StatusOK, rec.Code, "alias %s: %s", alias, rec.Body.String())
	}
	for _, p := range paths {
		assert.Equal(t, "/chat/completions", p)
	}
}

func TestProxyNoProvidersIs503(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/messages", map[string]any{"model": "m"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_providers_configured")
}

func TestHealthAndStatus(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = doJSON(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Running       bool              `json:"running"`
		ActiveTargets map[string]string `json:"active_targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Empty(t, status.ActiveTargets)
}

func TestAdminBreakerConfigRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/admin/breakers/config", breakerConfigPayload{
		FailureThreshold:   3,
		ErrorRateThreshold: 0.25,
		MinRequests:        4,
		CoolDownMS:         1500,
		SuccessThreshold:   1,
		MaxTrialCalls:      2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/admin/breakers/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got breakerConfigPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got.FailureThreshold)
	assert.EqualValues(t, 1500, got.CoolDownMS)

	rec = doJSON(t, h, http.MethodPut, "/admin/breakers/config", breakerConfigPayload{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "zero thresholds rejected")
}

func TestAdminBreakerReset(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/admin/breakers/ghost/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.breakers.Get("real") // materialize
	rec = doJSON(t, h, http.MethodPost, "/admin/breakers/real/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminProviderCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/admin/providers", providerPayload{
		ID: "p1", AppType: "claude", Name: "Primary",
		SettingsJSON:   `{"env":{"ANTHROPIC_AUTH_TOKEN":"k","ANTHROPIC_BASE_URL":"https://api.example.com"}}`,
		Enabled:        true,
		CostMultiplier: "1.5",
		PricingSource:  "response",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/admin/providers", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []providerPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "p1", listed[0].ID)
	assert.Equal(t, "1.5", listed[0].CostMultiplier)

	rec = doJSON(t, h, http.MethodDelete, "/admin/providers/p1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/admin/providers/p1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAppConfig(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/admin/apps/claude/config", appConfigPayload{
		AutoFailoverEnabled:   true,
		NonStreamingTimeoutMS: 120000,
		FirstByteTimeoutMS:    30000,
		IdleTimeoutMS:         90000,
		DefaultCostMultiplier: "2",
		PricingSource:         "request",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/admin/apps/claude/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got appConfigPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.AutoFailoverEnabled)
	assert.EqualValues(t, 30000, got.FirstByteTimeoutMS)
	assert.Equal(t, "request", got.PricingSource)

	rec = doJSON(t, h, http.MethodGet, "/admin/apps/notanapp/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminActiveTarget(t *testing.T) {
	s, st := newTestServer(t)
	seedClaudeProvider(t, st, "pinme", "https://api.example.com", 0)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/admin/apps/claude/active-target",
		map[string]string{"provider_id": "pinme"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "pinme", s.ActiveTarget(store.AppClaude))

	rec = doJSON(t, h, http.MethodPut, "/admin/apps/claude/active-target",
		map[string]string{"provider_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/admin/apps/codex/active-target",
		map[string]string{"provider_id": "pinme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "wrong app for provider")

	rec = doJSON(t, h, http.MethodPut, "/admin/apps/claude/active-target",
		map[string]string{"provider_id": ""})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.ActiveTarget(store.AppClaude))
}

func TestAdminUsageLimitValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/admin/usage?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/admin/usage?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
