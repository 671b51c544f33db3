package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.RequestsTotal.WithLabelValues("coder", "200").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "gateway_requests_total")
}

func TestSetResidentModelExclusive(t *testing.T) {
	m := New()
	known := []string{"a", "b"}
	m.SetResidentModel("a", known)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	require.Contains(t, body, `gateway_resident_model{model_id="a"} 1`)
	require.Contains(t, body, `gateway_resident_model{model_id="b"} 0`)
}
