package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lols/gateway/internal/chatmsg"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Models: []config.ModelDescriptor{
			{ID: "coder", Kind: config.KindLocalText, Port: 8081},
			{ID: "vision-model", Kind: config.KindLocalText, Port: 8082},
		},
		Categories: map[string]config.CategoryBinding{
			"code":    {ModelID: "coder", SystemPrompt: "You are a coder."},
			"vision":  {ModelID: "vision-model"},
			"default": {ModelID: "coder"},
		},
		Router: config.RouterConfig{ModelID: "classifier", Port: 9001},
	}
}

func userMsg(text string) chatmsg.Message {
	return chatmsg.Message{Role: "user", Content: chatmsg.NewTextContent(text)}
}

func TestRouteTestPin(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), downState())
	r.SetTestModel("pinned-model")

	plan, err := r.Route(context.Background(), "", []chatmsg.Message{userMsg("hi")})
	require.NoError(t, err)
	require.Equal(t, "pinned-model", plan.TargetModelID)
}

func TestRouteExplicitModel(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), downState())

	plan, err := r.Route(context.Background(), "coder", []chatmsg.Message{userMsg("hi")})
	require.NoError(t, err)
	require.Equal(t, "coder", plan.TargetModelID)
}

func TestRouteExplicitUnknownModel(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), downState())

	_, err := r.Route(context.Background(), "nonexistent", []chatmsg.Message{userMsg("hi")})
	require.Error(t, err)
	var unknown *UnknownModelError
	require.ErrorAs(t, err, &unknown)
}

func TestRouteVisionStructuralOverride(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), upState())

	msgs := []chatmsg.Message{
		{Role: "user", Content: []byte(`[{"type":"text","text":"what?"},{"type":"image_url","image_url":{"url":"data:x"}}]`)},
	}
	plan, err := r.Route(context.Background(), config.ClassifierAlias, msgs)
	require.NoError(t, err)
	require.Equal(t, "vision", plan.Category)
	require.Equal(t, "vision-model", plan.TargetModelID)
}

func TestRouteEmptyUserTextDefaults(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), upState())

	plan, err := r.Route(context.Background(), config.ClassifierAlias, []chatmsg.Message{userMsg("")})
	require.NoError(t, err)
	require.Equal(t, DefaultCategory, plan.Category)
}

func TestRouteClassifierDownDefaults(t *testing.T) {
	r := New(baseConfig(), zerolog.Nop(), downState())

	plan, err := r.Route(context.Background(), config.ClassifierAlias, []chatmsg.Message{userMsg("write me a sort function")})
	require.NoError(t, err)
	require.Equal(t, DefaultCategory, plan.Category)
	require.Equal(t, "coder", plan.TargetModelID)
}

func TestRouteClassifierCallSelectsCategory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"Code"}}]}`))
	}))
	defer srv.Close()

	cfg := baseConfig()
	r := New(cfg, zerolog.Nop(), upState())
	r.httpClient = srv.Client()
	// Point the classifier call at the test server's port by overriding
	// router port through config, relying on 127.0.0.1 host match.
	// httptest servers bind to 127.0.0.1 on an ephemeral port.
	portFromURL(t, srv.URL, &cfg.Router.Port)

	plan, err := r.Route(context.Background(), config.ClassifierAlias, []chatmsg.Message{userMsg("fix this bug")})
	require.NoError(t, err)
	require.Equal(t, "code", plan.Category)
	require.Equal(t, "coder", plan.TargetModelID)
	require.Equal(t, "You are a coder.", plan.CategorySystemMsg)
}

func TestRouteClassifierErrorStatusDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := baseConfig()
	r := New(cfg, zerolog.Nop(), upState())
	r.httpClient = srv.Client()
	portFromURL(t, srv.URL, &cfg.Router.Port)

	plan, err := r.Route(context.Background(), config.ClassifierAlias, []chatmsg.Message{userMsg("fix this bug")})
	require.NoError(t, err)
	require.Equal(t, DefaultCategory, plan.Category)
}

func upState() *classifierstate.State {
	s := classifierstate.New()
	s.Set(true)
	return s
}

func downState() *classifierstate.State {
	return classifierstate.New()
}

func portFromURL(t *testing.T, rawURL string, dst *int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	*dst = port
}
