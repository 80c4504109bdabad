package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/config"
	"cart_sentinel/internal/core"
	"cart_sentinel/internal/engine"
	"cart_sentinel/internal/events"
	"cart_sentinel/internal/infrastructure/health"
	"cart_sentinel/internal/keeper"
	"cart_sentinel/internal/mock"
	"cart_sentinel/internal/registry"
	"cart_sentinel/internal/session"
	"cart_sentinel/internal/store"
	"cart_sentinel/internal/watcher"
	apperrors "cart_sentinel/pkg/errors"
)

type apiFixture struct {
	server   *httptest.Server
	engine   *engine.Engine
	upstream *mock.MockUpstream
	auth     *mock.MockAuthenticator
}

func newAPIFixture(t *testing.T) *apiFixture {
	cfg := config.DefaultConfig()
	logger := mock.NewNopLogger()
	st := store.NewMemoryStore()
	up := mock.NewMockUpstream()
	auth := mock.NewMockAuthenticator()
	notifier := mock.NewMockNotifier()

	reg := registry.NewRegistry(st, logger)
	sess := session.NewManager(auth, notifier, st, cfg.Session, logger)
	k := keeper.NewKeeper(up, sess, notifier, st, cfg.Keeper, logger)
	w := watcher.NewWatcher(reg, up, sess, k, notifier, cfg.Watcher, logger)
	hm := health.NewHealthManager(logger)
	eng := engine.New(cfg, st, up, notifier, reg, sess, w, k, hm, logger)

	hub := events.NewHub(logger)
	stream := events.NewStream(hub, cfg.Server.AllowedOrigins, logger)
	srv := NewServer(eng, stream, cfg.Server, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{server: ts, engine: eng, upstream: up, auth: auth}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func TestItemsAPI_TrackLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.upstream.Details[core.ItemKey("10001", "7700")] = &core.ProductDetail{
		Info:  core.ProductInfo{Title: "Wool Coat", Designer: "Maison Test"},
		Sizes: map[string]core.SizeInfo{"VA-1": {Size: "M"}},
		Stock: map[string]int{"VA-1": 2},
	}

	resp, body := f.do(t, http.MethodPost, "/api/items", map[string]interface{}{
		"code": "10001", "color": "7700", "watched": []string{"VA-1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "10001", body["code"])

	resp, _ = f.do(t, http.MethodGet, "/api/items/10001/7700", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/items/10001/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/items/10001/7700/watched", map[string]interface{}{
		"variants": []string{"VA-1", "VA-2"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	item, ok := f.engine.Item("10001", "7700")
	require.True(t, ok)
	assert.True(t, item.Watched["VA-2"])

	resp, _ = f.do(t, http.MethodPost, "/api/items/10001/7700/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/items/10001/7700", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/items/10001/7700", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestItemsAPI_ValidatesRequestBody(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/items", map[string]interface{}{"code": "10001"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/items", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestItemsAPI_UnknownProductMapsToNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.upstream.DetailErr = apperrors.Wrap(apperrors.ErrNotFound, "product 99999/0000")

	resp, _ := f.do(t, http.MethodPost, "/api/items", map[string]interface{}{
		"code": "99999", "color": "0000",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProductAPI_Preview(t *testing.T) {
	f := newAPIFixture(t)
	f.upstream.Details[core.ItemKey("10001", "7700")] = &core.ProductDetail{
		Info: core.ProductInfo{Title: "Wool Coat"},
	}

	resp, body := f.do(t, http.MethodGet, "/api/product/10001/7700", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info, ok := body["info"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Wool Coat", info["title"])

	// Preview must not register anything.
	assert.Empty(t, f.engine.Items())
}

func TestSessionAPI_ForceRefresh(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/session/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refreshed", body["status"])
	assert.Equal(t, 1, f.auth.RefreshCalls)
}

func TestSessionAPI_UpstreamRejectionIsBadGateway(t *testing.T) {
	f := newAPIFixture(t)
	f.auth.RefreshErr = apperrors.Wrap(apperrors.ErrAuthenticationFailed, "token revoked")
	f.auth.LoginErr = apperrors.Wrap(apperrors.ErrInvalidCredentials, "login rejected")

	resp, _ := f.do(t, http.MethodPost, "/api/session/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestKeeperAPI_FillerPool(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/keeper/fillers", map[string]interface{}{
		"code": "20002", "color": "1100", "variant_id": "F-1",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/keeper", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fillers, ok := body["fillers"].([]interface{})
	require.True(t, ok)
	assert.Len(t, fillers, 1)

	resp, _ = f.do(t, http.MethodPost, "/api/keeper/fillers", map[string]interface{}{"code": "20002"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/keeper/fillers/reset", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/keeper/fillers/F-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/keeper/fillers/F-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeeperAPI_EnableDisable(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/keeper/disable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.engine.Keeper().Enabled())

	resp, _ = f.do(t, http.MethodPost, "/api/keeper/enable", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.engine.Keeper().Enabled())
}

func TestStatusAPI_ReportsRuntimeSummary(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["tracked_items"])
	assert.Contains(t, body, "session_phase")
	assert.Contains(t, body, "keeper_enabled")
}

func TestHealthAPI_HealthyWithoutChecks(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["healthy"])
}
