package backend

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lols/gateway/internal/config"
)

func TestReadyURLPerKind(t *testing.T) {
	text := &config.ModelDescriptor{Kind: config.KindLocalText, Port: 8081}
	require.Equal(t, "http://127.0.0.1:8081/v1/models", readyURL(text))

	speech := &config.ModelDescriptor{Kind: config.KindLocalSpeech, Port: 8082}
	require.Equal(t, "http://127.0.0.1:8082/health", readyURL(speech))
}

func TestIsUpOnceReflectsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	require.True(t, isUpOnce(srv.URL))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	require.False(t, isUpOnce(down.URL))
}

func TestRequireFileMissing(t *testing.T) {
	require.Error(t, requireFile("/nonexistent/path/binary", "text server binary"))
	require.Error(t, requireFile("", "text server binary"))
}
