package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/gpu"
	"github.com/lols/gateway/internal/metrics"
	"github.com/lols/gateway/internal/orchestrator"
	"github.com/lols/gateway/internal/pipeline"
	"github.com/lols/gateway/internal/proxy"
	"github.com/lols/gateway/internal/registry"
	"github.com/lols/gateway/internal/router"
	"github.com/lols/gateway/internal/status"
)

type stubDriver struct{}

func (stubDriver) Start(desc *config.ModelDescriptor) (*backend.Handle, error) {
	return backend.NewHandleForTest(1), nil
}
func (stubDriver) Stop(h *backend.Handle) error                                  { return nil }
func (stubDriver) WaitReady(ctx context.Context, desc *config.ModelDescriptor) error { return nil }
func (stubDriver) IsUp(desc *config.ModelDescriptor) bool                        { return true }

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func newTestHandler(t *testing.T, cfg *config.Config) *Handler {
	t.Helper()
	orch := orchestrator.New(stubDriver{}, registry.New(), zerolog.Nop(), nil)
	sched := gpu.New()
	classifier := classifierstate.New()
	rtr := router.New(cfg, zerolog.Nop(), classifier)
	px := proxy.New(zerolog.Nop())
	pub := status.New()
	pl := pipeline.New(cfg, zerolog.Nop(), nil, sched, orch, rtr, px, pub, classifier, metrics.New())
	driver := backend.New(cfg, zerolog.Nop())

	return New(cfg, zerolog.Nop(), pl, orch, driver, rtr, px, pub)
}

func TestHandleModelsListsConfiguredModelsAndClassifierAlias(t *testing.T) {
	cfg := &config.Config{
		Models: []config.ModelDescriptor{
			{ID: "coder", Kind: config.KindLocalText, Port: 9001},
			{ID: "claude", Kind: config.KindRemoteHTTP, Endpoint: "http://example.invalid"},
		},
		Categories: map[string]config.CategoryBinding{
			"default": {ModelID: "coder"},
		},
	}
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.handleModels(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []modelItem `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	ids := map[string]string{}
	for _, m := range body.Data {
		ids[m.ID] = m.OwnedBy
	}
	require.Equal(t, "llama-cpp", ids["coder"])
	require.Equal(t, "remote-api", ids["claude"])
	require.Equal(t, "lols-router", ids[config.ClassifierAlias])
}

func TestHandleModelsOmitsClassifierAliasWithoutCategories(t *testing.T) {
	cfg := &config.Config{
		Models: []config.ModelDescriptor{{ID: "coder", Kind: config.KindLocalText, Port: 9001}},
	}
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	h.handleModels(rec, req)

	require.NotContains(t, rec.Body.String(), config.ClassifierAlias)
}

func TestHandleCleanupStatusReflectsLiveness(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	cfg := &config.Config{
		Models: []config.ModelDescriptor{
			{ID: "live", Kind: config.KindLocalText, Port: portOf(t, up.URL)},
			{ID: "dead", Kind: config.KindLocalText, Port: 1}, // nothing listens on port 1
		},
	}
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/cleanup/status", nil)
	rec := httptest.NewRecorder()
	h.handleCleanupStatus(rec, req)

	var results map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.True(t, results[strconv.Itoa(portOf(t, up.URL))])
	require.False(t, results["1"])
}

func TestCatchAllRejectsLocalModel(t *testing.T) {
	cfg := &config.Config{
		Models: []config.ModelDescriptor{{ID: "coder", Kind: config.KindLocalText, Port: 9001}},
	}
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", httptestBody(`{"model":"coder","input":"x"}`))
	rec := httptest.NewRecorder()
	h.handleCatchAll(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatchAllForwardsRemoteModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := &config.Config{
		Models: []config.ModelDescriptor{
			{ID: "remote-embed", Kind: config.KindRemoteHTTP, Endpoint: upstream.URL + "/v1/embeddings"},
		},
	}
	h := newTestHandler(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", httptestBody(`{"model":"remote-embed","input":"x"}`))
	rec := httptest.NewRecorder()
	h.handleCatchAll(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestTestModelSetGetClearRoundTrip(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelDescriptor{{ID: "coder", Kind: config.KindLocalText, Port: 9001}}}
	h := newTestHandler(t, cfg)

	setReq := httptest.NewRequest(http.MethodPost, "/test/model", httptestBody(`{"model_id":"coder"}`))
	setRec := httptest.NewRecorder()
	h.handleTestModelSet(setRec, setReq)
	require.Equal(t, http.StatusOK, setRec.Code)
	require.Equal(t, "coder", h.router.TestModel())

	getReq := httptest.NewRequest(http.MethodGet, "/test/model", nil)
	getRec := httptest.NewRecorder()
	h.handleTestModelGet(getRec, getReq)
	require.Contains(t, getRec.Body.String(), "coder")

	clearReq := httptest.NewRequest(http.MethodPost, "/test/model/clear", nil)
	clearRec := httptest.NewRecorder()
	h.handleTestModelClear(clearRec, clearReq)
	require.Equal(t, http.StatusNoContent, clearRec.Code)
	require.Equal(t, "", h.router.TestModel())
}

func TestMountRegistersRoutes(t *testing.T) {
	cfg := &config.Config{Models: []config.ModelDescriptor{{ID: "coder", Kind: config.KindLocalText, Port: 9001}}}
	h := newTestHandler(t, cfg)

	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func httptestBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
