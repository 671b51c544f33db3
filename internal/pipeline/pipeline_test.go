package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/gpu"
	"github.com/lols/gateway/internal/orchestrator"
	"github.com/lols/gateway/internal/proxy"
	"github.com/lols/gateway/internal/registry"
	"github.com/lols/gateway/internal/router"
	"github.com/lols/gateway/internal/status"
)

type alwaysUpDriver struct{}

func (alwaysUpDriver) Start(desc *config.ModelDescriptor) (*backend.Handle, error) {
	return backend.NewHandleForTest(1), nil
}
func (alwaysUpDriver) Stop(h *backend.Handle) error                            { return nil }
func (alwaysUpDriver) WaitReady(ctx context.Context, desc *config.ModelDescriptor) error { return nil }
func (alwaysUpDriver) IsUp(desc *config.ModelDescriptor) bool                  { return true }

func TestParseChatRequestRoundTripsUnknownFields(t *testing.T) {
	body := []byte(`{"model":"echo","stream":false,"tools":[{"type":"function"}],"messages":[{"role":"user","content":"hi"}]}`)
	cr, err := ParseChatRequest(body)
	require.NoError(t, err)
	require.Equal(t, "echo", cr.Model)
	require.False(t, cr.Stream)
	require.Len(t, cr.Messages, 1)
	require.Contains(t, cr.Raw, "tools")
}

func TestChatEndToEndLocalAdopt(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi back"}}]}`))
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := &config.Config{
		Models: []config.ModelDescriptor{
			{ID: "echo", Kind: config.KindLocalText, Port: port, Context: 0, MaxTokens: 2000},
		},
	}

	orch := orchestrator.New(alwaysUpDriver{}, registry.New(), zerolog.Nop(), nil)
	sched := gpu.New()
	rtr := router.New(cfg, zerolog.Nop(), classifierstate.New())
	rtr.SetTestModel("echo")
	px := proxy.New(zerolog.Nop())
	pub := status.New()

	pl := New(cfg, zerolog.Nop(), nil, sched, orch, rtr, px, pub, classifierstate.New(), nil)

	body := []byte(`{"model":"lols-smart","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err = pl.Chat(context.Background(), rec, req, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "hi back")
}

func TestChatUnknownExplicitModel(t *testing.T) {
	cfg := &config.Config{}
	orch := orchestrator.New(alwaysUpDriver{}, registry.New(), zerolog.Nop(), nil)
	sched := gpu.New()
	rtr := router.New(cfg, zerolog.Nop(), classifierstate.New())
	px := proxy.New(zerolog.Nop())
	pl := New(cfg, zerolog.Nop(), nil, sched, orch, rtr, px, status.New(), classifierstate.New(), nil)

	body := []byte(`{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := pl.Chat(context.Background(), rec, req, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
