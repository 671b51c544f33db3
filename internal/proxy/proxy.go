// Package proxy implements the Streaming Proxy: forwarding a rewritten
// chat request to its resolved backend (local process or remote API) and
// relaying the response back to the client, streaming or buffered.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/config"
)

const defaultTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of a non-success upstream body is
// echoed back to the client in a 502 response.
const maxErrorBodyBytes = 2000

// Target describes where to send the rewritten request.
type Target struct {
	Descriptor *config.ModelDescriptor
	LocalPort  int // resolved resident port, for local kinds
}

// Proxy forwards requests to local or remote backends.
type Proxy struct {
	log    zerolog.Logger
	client *http.Client
}

// New creates a Proxy.
func New(log zerolog.Logger) *Proxy {
	return &Proxy{
		log:    log.With().Str("component", "proxy").Logger(),
		client: &http.Client{},
	}
}

// Forward sends body to tgt and writes the backend's response to w. stream
// selects SSE passthrough vs a buffered JSON response.
func (p *Proxy) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, tgt Target, body []byte, stream bool) error {
	upstreamURL, headers, payload, err := p.prepare(tgt, body)
	if err != nil {
		return writeJSONError(w, http.StatusInternalServerError, err)
	}

	deadline := resolveTimeout(r, tgt.Descriptor)
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, upstreamURL, bytes.NewReader(payload))
	if err != nil {
		return writeJSONError(w, http.StatusInternalServerError, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return writeJSONError(w, http.StatusInternalServerError, err)
	}
	defer resp.Body.Close()

	if stream {
		return p.streamResponse(w, resp)
	}
	return p.bufferedResponse(w, resp)
}

func (p *Proxy) streamResponse(w http.ResponseWriter, resp *http.Response) error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Headers already sent: terminate silently.
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Mid-stream upstream error: headers already sent, terminate silently.
			return nil
		}
	}
}

func (p *Proxy) bufferedResponse(w http.ResponseWriter, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return writeJSONError(w, http.StatusInternalServerError, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := data
		if len(snippet) > maxErrorBodyBytes {
			snippet = snippet[:maxErrorBodyBytes]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"upstream_status": resp.StatusCode,
				"upstream_body":   string(snippet),
			},
		})
		return nil
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(data)
	return err
}

// prepare resolves the upstream URL, headers, and payload bytes for tgt.
func (p *Proxy) prepare(tgt Target, body []byte) (string, map[string]string, []byte, error) {
	d := tgt.Descriptor
	switch d.Kind {
	case config.KindLocalText:
		return fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", tgt.LocalPort),
			map[string]string{"Content-Type": "application/json"}, body, nil
	case config.KindLocalSpeech:
		return fmt.Sprintf("http://127.0.0.1:%d/inference", tgt.LocalPort),
			map[string]string{}, body, nil
	case config.KindRemoteHTTP:
		return p.prepareRemote(d, body)
	default:
		return "", nil, nil, fmt.Errorf("proxy: unknown descriptor kind %q", d.Kind)
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func (p *Proxy) prepareRemote(d *config.ModelDescriptor, body []byte) (string, map[string]string, []byte, error) {
	endpoint := expandEnv(d.Endpoint)
	apiKey := expandEnv(d.APIKey)

	headers := map[string]string{"Content-Type": "application/json"}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	for k, v := range d.Headers {
		headers[k] = v
	}

	payload, err := overrideModelField(body, d.UpstreamName)
	if err != nil {
		return "", nil, nil, err
	}

	return endpoint, headers, payload, nil
}

func overrideModelField(body []byte, modelName string) ([]byte, error) {
	if modelName == "" {
		return body, nil
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, fmt.Errorf("rewriting model field: %w", err)
	}
	generic["model"] = modelName
	return json.Marshal(generic)
}

// resolveTimeout implements the X-Request-Timeout > descriptor.timeout > 30s
// precedence order.
func resolveTimeout(r *http.Request, d *config.ModelDescriptor) time.Duration {
	if h := r.Header.Get("X-Request-Timeout"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if d.TimeoutSec > 0 {
		return time.Duration(d.TimeoutSec) * time.Second
	}
	return defaultTimeout
}

func writeJSONError(w http.ResponseWriter, status int, err error) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}
