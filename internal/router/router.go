// Package router implements the Classifier Router: it maps a parsed chat
// request to a RequestPlan naming the target model, using a test pin,
// explicit model selection, structural image detection, and — as a last
// resort — a call to the permanently-resident classifier backend.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lols/gateway/internal/chatmsg"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
)

// DefaultCategory is used whenever no configured category applies.
const DefaultCategory = "default"

// UnknownModelError is returned when an explicit model id has no descriptor.
type UnknownModelError struct {
	ModelID string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model: %q", e.ModelID)
}

// RequestPlan is the router's per-request decision.
type RequestPlan struct {
	TargetModelID     string
	Category          string // "" if the request pinned or named a model directly
	CategorySystemMsg string // resolved category-level system prompt, if any
}

// Router resolves chat requests to RequestPlans.
type Router struct {
	cfg *config.Config
	log zerolog.Logger

	mu          sync.RWMutex
	testModelID string

	classifier *classifierstate.State
	group      singleflight.Group
	httpClient *http.Client
}

// New creates a Router. classifier reports whether the classifier backend
// is currently believed to be running (set by the pipeline after boot).
func New(cfg *config.Config, log zerolog.Logger, classifier *classifierstate.State) *Router {
	return &Router{
		cfg:        cfg,
		log:        log.With().Str("component", "router").Logger(),
		classifier: classifier,
		httpClient: &http.Client{Timeout: 6 * time.Second},
	}
}

// SetTestModel pins every subsequent request to modelID, bypassing
// classification entirely. Passing "" clears the pin.
func (r *Router) SetTestModel(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.testModelID = modelID
}

// TestModel returns the currently pinned test model id, if any.
func (r *Router) TestModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.testModelID
}

// Route resolves messages (and an optional requested model id) to a plan.
func (r *Router) Route(ctx context.Context, requestedModel string, messages []chatmsg.Message) (*RequestPlan, error) {
	if pinned := r.TestModel(); pinned != "" {
		return &RequestPlan{TargetModelID: pinned}, nil
	}

	if requestedModel != "" && requestedModel != config.ClassifierAlias {
		if _, ok := r.cfg.FindModel(requestedModel); !ok {
			return nil, &UnknownModelError{ModelID: requestedModel}
		}
		return &RequestPlan{TargetModelID: requestedModel}, nil
	}

	category := r.classify(ctx, messages)
	return r.planForCategory(category)
}

// classify determines the category for the classifier-alias path: vision
// structural override, then classifier call, falling back to "default".
func (r *Router) classify(ctx context.Context, messages []chatmsg.Message) string {
	last, ok := chatmsg.LastUser(messages)
	if !ok || strings.TrimSpace(chatmsg.Text(last)) == "" {
		return DefaultCategory
	}

	if chatmsg.AnyImage(messages) {
		return "vision"
	}

	if r.classifier == nil || !r.classifier.Up() {
		return DefaultCategory
	}

	text := chatmsg.Text(last)
	v, err, _ := r.group.Do(text, func() (interface{}, error) {
		return r.callClassifier(ctx, text)
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("classifier call failed, defaulting")
		return DefaultCategory
	}

	category := v.(string)
	if _, ok := r.cfg.Categories[category]; !ok {
		return DefaultCategory
	}
	return category
}

func (r *Router) callClassifier(ctx context.Context, userText string) (string, error) {
	systemPrompt, err := r.cfg.Router.ResolvedSystemPrompt()
	if err != nil {
		return "", fmt.Errorf("resolving router system prompt: %w", err)
	}
	systemPrompt = strings.ReplaceAll(systemPrompt, "{CATEGORIES}", strings.Join(r.cfg.CategoryKeys(), ", "))

	body := map[string]interface{}{
		"model": r.cfg.Router.ModelID,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userText},
		},
		"max_tokens":  10,
		"temperature": 0.1,
		"stream":      false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", r.cfg.Router.Port)
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("malformed classifier response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("classifier response had no choices")
	}

	token := strings.ToLower(strings.TrimSpace(parsed.Choices[0].Message.Content))
	return token, nil
}

func (r *Router) planForCategory(category string) (*RequestPlan, error) {
	binding, ok := r.cfg.Categories[category]
	if !ok {
		binding, ok = r.cfg.Categories[DefaultCategory]
		if !ok {
			return nil, fmt.Errorf("no category binding for %q and no default binding configured", category)
		}
		category = DefaultCategory
	}

	systemMsg, err := binding.ResolvedSystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("resolving category system prompt: %w", err)
	}

	return &RequestPlan{
		TargetModelID:     binding.ModelID,
		Category:          category,
		CategorySystemMsg: systemMsg,
	}, nil
}
