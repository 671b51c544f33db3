// Package httpmw provides the gateway's chi-compatible HTTP middleware:
// request-id tagging and structured request logging. Adapted from the
// teacher's logging/request-id middleware, swapped onto zerolog and uuid.
package httpmw

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/metrics"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	modelSlotKey contextKey = "model_slot"
)

// RequestID tags each request with a UUID, honoring an inbound X-Request-Id
// header if the client already set one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext extracts the request id set by RequestID, if any.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RecordModel labels the in-flight request with the model id it resolved to,
// for StructuredLogging to attribute request-count and latency metrics by
// model. Handlers that don't know a model (health checks, operational
// endpoints) simply never call it, and the request is labeled "unknown".
func RecordModel(ctx context.Context, modelID string) {
	if slot, ok := ctx.Value(modelSlotKey).(*string); ok {
		*slot = modelID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytesOut   int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytesOut += n
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StructuredLogging logs one line per request via zerolog, tagged with the
// request id set by RequestID, and (when m is non-nil) records the request
// in the gateway's Prometheus collectors labeled by the model the request
// resolved to.
func StructuredLogging(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			modelSlot := new(string)
			ctx := context.WithValue(r.Context(), modelSlotKey, modelSlot)

			if m != nil {
				m.ActiveRequests.Inc()
				defer m.ActiveRequests.Dec()
			}

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			model := *modelSlot
			if model == "" {
				model = "unknown"
			}
			if m != nil {
				m.RequestsTotal.WithLabelValues(model, strconv.Itoa(rec.statusCode)).Inc()
				m.RequestDuration.WithLabelValues(model).Observe(duration.Seconds())
			}

			log.Info().
				Str("request_id", RequestIDFromContext(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.statusCode).
				Dur("duration", duration).
				Int("bytes_out", rec.bytesOut).
				Str("remote_addr", r.RemoteAddr).
				Msg("request handled")
		})
	}
}
