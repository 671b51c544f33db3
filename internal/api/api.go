// Package api registers the gateway's HTTP surface: the OpenAI-compatible
// chat, models, and transcription endpoints, the remote-proxy catch-all,
// operational endpoints (cleanup, logging toggle, test-model pin), and the
// status WebSocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/httpmw"
	"github.com/lols/gateway/internal/orchestrator"
	"github.com/lols/gateway/internal/pipeline"
	"github.com/lols/gateway/internal/proxy"
	"github.com/lols/gateway/internal/router"
	"github.com/lols/gateway/internal/status"
)

const maxUploadBytes = 25 << 20 // 25 MB, per the transcription endpoint's file-size limit

// Handler holds every dependency the HTTP surface needs.
type Handler struct {
	cfg          *config.Config
	log          zerolog.Logger
	pipeline     *pipeline.Pipeline
	orchestrator *orchestrator.Orchestrator
	driver       *backend.Driver
	router       *router.Router
	proxy        *proxy.Proxy
	publisher    *status.Publisher

	loggingEnabled atomic.Bool
	upgrader       websocket.Upgrader
}

// New creates a Handler.
func New(
	cfg *config.Config,
	log zerolog.Logger,
	pl *pipeline.Pipeline,
	orch *orchestrator.Orchestrator,
	driver *backend.Driver,
	rt *router.Router,
	px *proxy.Proxy,
	pub *status.Publisher,
) *Handler {
	h := &Handler{
		cfg:          cfg,
		log:          log.With().Str("component", "api").Logger(),
		pipeline:     pl,
		orchestrator: orch,
		driver:       driver,
		router:       rt,
		proxy:        px,
		publisher:    pub,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	h.loggingEnabled.Store(cfg.Policy.LogRequests)
	return h
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/v1/chat/completions", h.handleChat)
	r.Get("/v1/models", h.handleModels)
	r.Post("/v1/audio/transcriptions", h.handleTranscription)

	r.Post("/v1/cleanup", h.handleCleanup)
	r.Get("/v1/cleanup/status", h.handleCleanupStatus)

	r.Get("/v1/logging", h.handleLoggingGet)
	r.Post("/v1/logging/toggle", h.handleLoggingToggle)
	r.Post("/v1/logging/set", h.handleLoggingSet)

	r.Get("/test/model", h.handleTestModelGet)
	r.Post("/test/model", h.handleTestModelSet)
	r.Post("/test/model/clear", h.handleTestModelClear)

	r.Get("/", h.handleStatusSocket)

	// Catch-all: any other /v1/... path is a remote-only passthrough.
	r.NotFound(h.handleCatchAll)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := h.pipeline.Chat(r.Context(), w, r, body); err != nil {
		h.log.Warn().Err(err).Msg("chat pipeline error")
	}
}

type modelItem struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	now := time.Now().Unix()
	var data []modelItem
	for _, m := range h.cfg.Models {
		data = append(data, modelItem{ID: m.ID, Object: "model", Created: now, OwnedBy: ownerFor(m.Kind)})
	}
	if len(h.cfg.Categories) > 0 {
		data = append(data, modelItem{ID: config.ClassifierAlias, Object: "model", Created: now, OwnedBy: "lols-router"})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"object": "list", "data": data})
}

func ownerFor(kind config.Kind) string {
	switch kind {
	case config.KindLocalText:
		return "llama-cpp"
	case config.KindLocalSpeech:
		return "whisper-cpp"
	case config.KindRemoteHTTP:
		return "remote-api"
	default:
		return "unknown"
	}
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Segments []any   `json:"segments,omitempty"`
}

func (h *Handler) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeInvalidRequest(w, "request too large or malformed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeInvalidRequest(w, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		writeInvalidRequest(w, "file exceeds 25MB limit")
		return
	}
	if !isSupportedAudioExt(header.Filename) {
		writeInvalidRequest(w, "unsupported media type")
		return
	}

	modelID := r.FormValue("model")
	var desc *config.ModelDescriptor
	if modelID != "" {
		d, ok := h.cfg.FindModel(modelID)
		if !ok {
			writeInvalidRequest(w, fmt.Sprintf("unknown model: %q", modelID))
			return
		}
		desc = d
	} else {
		d, ok := h.cfg.DefaultSpeechModel()
		if !ok {
			writeInvalidRequest(w, "no speech model configured")
			return
		}
		desc = d
	}
	httpmw.RecordModel(r.Context(), desc.ID)

	tmp, err := os.CreateTemp("", "lols-upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer upload")
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, file); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to buffer upload")
		return
	}

	var port int
	err = h.pipeline.Scheduler().WithGPU(r.Context(), func(ctx context.Context) error {
		p, loadErr := h.orchestrator.EnsureLoaded(ctx, desc)
		port = p
		return loadErr
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responseFormat := r.FormValue("response_format")
	if responseFormat == "" {
		responseFormat = "json"
	}

	result, err := h.forwardTranscription(r.Context(), port, tmp.Name(), header.Filename, r.FormValue("language"), r.FormValue("prompt"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if responseFormat == "verbose_json" {
		_ = json.NewEncoder(w).Encode(result)
		return
	}
	_ = json.NewEncoder(w).Encode(transcriptionResponse{Text: result.Text})
}

// forwardTranscription re-opens the buffered upload and POSTs it as
// multipart form data to the speech backend's /inference endpoint.
func (h *Handler) forwardTranscription(ctx context.Context, port int, path, filename, language, prompt string) (*transcriptionResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reopening buffered upload: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if language != "" {
		_ = mw.WriteField("language", language)
	}
	if prompt != "" {
		_ = mw.WriteField("prompt", prompt)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/inference", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("speech backend returned %d: %s", resp.StatusCode, truncate(body, 500))
	}

	var result transcriptionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding speech backend response: %w", err)
	}
	return &result, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}

func isSupportedAudioExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3", ".wav", ".ogg", ".webm", ".m4a", ".flac":
		return true
	default:
		return false
	}
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": message, "type": "invalid_request_error"},
	})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": message})
}

// handleCatchAll implements the /v1/* remote-only passthrough: any path not
// otherwise registered must name a remote descriptor.
func (h *Handler) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	modelID, _ := generic["model"].(string)
	if modelID == "" {
		writeJSONError(w, http.StatusBadRequest, "model field is required")
		return
	}

	desc, ok := h.cfg.FindModel(modelID)
	if !ok || desc.Kind != config.KindRemoteHTTP {
		writeJSONError(w, http.StatusBadRequest, "model must resolve to a remote descriptor")
		return
	}
	httpmw.RecordModel(r.Context(), desc.ID)

	stream, _ := generic["stream"].(bool)
	if err := h.proxy.Forward(r.Context(), w, r, proxy.Target{Descriptor: desc}, body, stream); err != nil {
		h.log.Warn().Err(err).Msg("catch-all proxy error")
	}
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	results := map[string]string{}
	for _, m := range h.cfg.Models {
		if m.Kind == config.KindRemoteHTTP || m.ID == h.cfg.Router.ModelID {
			continue
		}
		if h.orchestrator.CurrentModel() == m.ID {
			h.orchestrator.Evict()
			results[fmt.Sprintf("%d", m.Port)] = "stopped"
		} else {
			results[fmt.Sprintf("%d", m.Port)] = "not_running"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
}

func (h *Handler) handleCleanupStatus(w http.ResponseWriter, r *http.Request) {
	results := map[string]bool{}
	for i := range h.cfg.Models {
		m := &h.cfg.Models[i]
		if m.Kind == config.KindRemoteHTTP {
			continue
		}
		results[fmt.Sprintf("%d", m.Port)] = h.driver.IsUp(m)
	}
	if h.cfg.Router.Port != 0 {
		routerDesc := &config.ModelDescriptor{Kind: config.KindLocalText, Port: h.cfg.Router.Port}
		results[fmt.Sprintf("%d", h.cfg.Router.Port)] = h.driver.IsUp(routerDesc)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(results)
}

func (h *Handler) handleLoggingGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"logging_enabled":    h.loggingEnabled.Load(),
		"ignore_role_system": h.cfg.Policy.IgnoreRoleSystem,
	})
}

func (h *Handler) handleLoggingToggle(w http.ResponseWriter, r *http.Request) {
	next := !h.loggingEnabled.Load()
	h.loggingEnabled.Store(next)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"logging_enabled": next})
}

func (h *Handler) handleLoggingSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.loggingEnabled.Store(body.Enabled)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"logging_enabled": body.Enabled})
}

func (h *Handler) handleTestModelGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"test_model_id": h.router.TestModel()})
}

func (h *Handler) handleTestModelSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID string `json:"model_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ModelID == "" {
		writeJSONError(w, http.StatusBadRequest, "model_id is required")
		return
	}
	h.router.SetTestModel(body.ModelID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"test_model_id": body.ModelID})
}

func (h *Handler) handleTestModelClear(w http.ResponseWriter, r *http.Request) {
	h.router.SetTestModel("")
	w.WriteHeader(http.StatusNoContent)
}

// handleStatusSocket upgrades the root path to a status-event WebSocket.
func (h *Handler) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.publisher.Subscribe()
	defer unsubscribe()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
