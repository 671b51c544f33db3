// Package pipeline composes the per-request chat flow: routing, GPU-backed
// model loading, context truncation, system-prompt injection, and proxying.
// It also owns the process-start initialization tasks (stale-process sweep,
// classifier boot) that the rest of the gateway depends on.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/budget"
	"github.com/lols/gateway/internal/chatmsg"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/gpu"
	"github.com/lols/gateway/internal/httpmw"
	"github.com/lols/gateway/internal/metrics"
	"github.com/lols/gateway/internal/orchestrator"
	"github.com/lols/gateway/internal/proxy"
	"github.com/lols/gateway/internal/registry"
	"github.com/lols/gateway/internal/router"
	"github.com/lols/gateway/internal/status"
)

// ChatRequest is a parsed /v1/chat/completions body. Raw retains every
// field the client sent so unrecognized fields (tools, sampling knobs, …)
// round-trip to the backend untouched.
type ChatRequest struct {
	Raw      map[string]interface{}
	Model    string
	Messages []chatmsg.Message
	Stream   bool
}

// ParseChatRequest decodes body into a ChatRequest.
func ParseChatRequest(body []byte) (*ChatRequest, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("invalid_request: %w", err)
	}

	cr := &ChatRequest{Raw: raw}
	if m, ok := raw["model"].(string); ok {
		cr.Model = m
	}
	if s, ok := raw["stream"].(bool); ok {
		cr.Stream = s
	}

	if rawMessages, ok := raw["messages"]; ok {
		encoded, err := json.Marshal(rawMessages)
		if err != nil {
			return nil, fmt.Errorf("invalid_request: %w", err)
		}
		if err := json.Unmarshal(encoded, &cr.Messages); err != nil {
			return nil, fmt.Errorf("invalid_request: messages: %w", err)
		}
	}

	return cr, nil
}

func (c *ChatRequest) requestedMaxTokens() int {
	if v, ok := numericField(c.Raw, "max_tokens"); ok {
		return v
	}
	if v, ok := numericField(c.Raw, "n_predict"); ok {
		return v
	}
	return 0
}

func numericField(raw map[string]interface{}, key string) (int, bool) {
	v, ok := raw[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || f <= 0 {
		return 0, false
	}
	return int(f), true
}

// Pipeline wires together routing, scheduling, budgeting, and proxying.
type Pipeline struct {
	cfg          *config.Config
	log          zerolog.Logger
	driver       *backend.Driver
	scheduler    *gpu.Scheduler
	orchestrator *orchestrator.Orchestrator
	router       *router.Router
	proxy        *proxy.Proxy
	publisher    *status.Publisher
	metrics      *metrics.Metrics

	classifier *classifierstate.State
}

// New creates a Pipeline from its constituent components. classifier is
// shared with the Router so the pipeline's boot-time readiness check is
// visible to per-request classification decisions. m may be nil, in which
// case metrics are simply not recorded (used by tests).
func New(
	cfg *config.Config,
	log zerolog.Logger,
	driver *backend.Driver,
	scheduler *gpu.Scheduler,
	orch *orchestrator.Orchestrator,
	rt *router.Router,
	px *proxy.Proxy,
	pub *status.Publisher,
	classifier *classifierstate.State,
	m *metrics.Metrics,
) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		log:          log.With().Str("component", "pipeline").Logger(),
		driver:       driver,
		scheduler:    scheduler,
		orchestrator: orch,
		router:       rt,
		proxy:        px,
		publisher:    pub,
		metrics:      m,
		classifier:   classifier,
	}
}

// Scheduler exposes the GPU scheduler so other handlers (e.g. transcription)
// can serialize their own model loads through the same mutex.
func (p *Pipeline) Scheduler() *gpu.Scheduler {
	return p.scheduler
}

// Chat executes the full per-request pipeline and writes the response to w.
func (p *Pipeline) Chat(ctx context.Context, w http.ResponseWriter, r *http.Request, body []byte) error {
	creq, err := ParseChatRequest(body)
	if err != nil {
		return writeError(w, http.StatusBadRequest, err)
	}

	plan, err := p.router.Route(ctx, creq.Model, creq.Messages)
	if err != nil {
		var unknown *router.UnknownModelError
		if asUnknownModel(err, &unknown) {
			return writeError(w, http.StatusBadRequest, err)
		}
		return writeError(w, http.StatusInternalServerError, err)
	}

	desc, ok := p.cfg.FindModel(plan.TargetModelID)
	if !ok {
		return writeError(w, http.StatusBadRequest, fmt.Errorf("unknown model: %q", plan.TargetModelID))
	}
	httpmw.RecordModel(ctx, desc.ID)

	var localPort int
	if desc.Kind != config.KindRemoteHTTP {
		waitStart := time.Now()
		err = p.scheduler.WithGPU(ctx, func(gctx context.Context) error {
			if p.metrics != nil {
				p.metrics.GPUWaitSeconds.Observe(time.Since(waitStart).Seconds())
			}
			port, loadErr := p.orchestrator.EnsureLoaded(gctx, desc)
			if loadErr != nil {
				return loadErr
			}
			localPort = port
			if p.publisher != nil {
				p.publisher.PublishModelStatus(status.ModelStatusPayload{
					ModelID: desc.ID,
					State:   "ready",
					Kind:    string(desc.Kind),
					Port:    port,
				})
			}
			return nil
		})
		if err != nil {
			return writeError(w, http.StatusInternalServerError, err)
		}
	}

	if plan.Category != "" {
		if p.publisher != nil {
			p.publisher.PublishCategoryStatus(status.CategoryStatusPayload{
				Category: plan.Category,
				ModelID:  desc.ID,
			})
		}
		if p.orchestrator.Registry() != nil {
			p.orchestrator.Registry().UpdateCategoryForModel(desc.ID, plan.Category)
		}
		if p.metrics != nil {
			p.metrics.CategoryTotal.WithLabelValues(plan.Category).Inc()
		}
	}

	messages := budget.Truncate(creq.Messages, desc.Context)

	requested := creq.requestedMaxTokens()
	configured := desc.MaxTokens
	if configured == 0 {
		configured = 2000
	}
	maxTokens := budget.ResolveMaxTokens(requested, configured)

	messages, source, prompt := p.injectSystemPrompt(messages, plan, desc)
	if p.publisher != nil {
		p.publisher.PublishSystemPromptUsed(status.SystemPromptUsedPayload{Prompt: prompt, Source: source})
	}

	outBody, err := buildOutgoingBody(creq.Raw, messages, maxTokens)
	if err != nil {
		return writeError(w, http.StatusInternalServerError, err)
	}

	return p.proxy.Forward(ctx, w, r, proxy.Target{Descriptor: desc, LocalPort: localPort}, outBody, creq.Stream)
}

// injectSystemPrompt implements the priority order: user-provided system
// message wins unless IgnoreRoleSystem is set; otherwise category-level,
// then model-level, then none.
func (p *Pipeline) injectSystemPrompt(messages []chatmsg.Message, plan *router.RequestPlan, desc *config.ModelDescriptor) ([]chatmsg.Message, string, string) {
	if len(messages) > 0 && messages[0].Role == "system" && !p.cfg.Policy.IgnoreRoleSystem {
		return messages, "user-provided", chatmsg.Text(messages[0])
	}

	stripped := make([]chatmsg.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != "system" {
			stripped = append(stripped, m)
		}
	}

	var prompt, source string
	switch {
	case plan.CategorySystemMsg != "":
		prompt, source = plan.CategorySystemMsg, "category-level"
	default:
		modelPrompt, err := desc.ResolvedSystemPrompt()
		if err == nil && modelPrompt != "" {
			prompt, source = modelPrompt, "model-level"
		} else {
			source = "none"
		}
	}

	if prompt == "" {
		return stripped, source, ""
	}

	systemMsg := chatmsg.Message{Role: "system", Content: chatmsg.NewTextContent(prompt)}
	out := make([]chatmsg.Message, 0, len(stripped)+1)
	out = append(out, systemMsg)
	out = append(out, stripped...)
	return out, source, prompt
}

// buildOutgoingBody re-serializes raw with messages and max_tokens replaced.
func buildOutgoingBody(raw map[string]interface{}, messages []chatmsg.Message, maxTokens int) ([]byte, error) {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = v
	}

	encodedMessages, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	var decoded []interface{}
	if err := json.Unmarshal(encodedMessages, &decoded); err != nil {
		return nil, err
	}
	out["messages"] = decoded
	out["max_tokens"] = maxTokens

	return json.Marshal(out)
}

func asUnknownModel(err error, target **router.UnknownModelError) bool {
	u, ok := err.(*router.UnknownModelError)
	if ok {
		*target = u
	}
	return ok
}

func writeError(w http.ResponseWriter, httpStatus int, err error) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	return json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}

// Bootstrap runs the process-start initialization tasks: a stale-process
// sweep of configured local ports, then spawning and waiting on the
// classifier backend.
func (p *Pipeline) Bootstrap(ctx context.Context) {
	p.sweepStalePorts()
	p.bootClassifier(ctx)
}

// sweepStalePorts kills residual backend processes left by a previous run,
// identified by command line rather than pid (pids are not persisted across
// restarts). The classifier's own port is always preserved.
func (p *Pipeline) sweepStalePorts() {
	classifierPort := p.cfg.Router.Port
	binaries := []string{
		filepath.Base(p.cfg.TextServerPath),
		filepath.Base(p.cfg.SpeechServerPath),
	}

	out, err := exec.Command("ps", "-eo", "pid,args").Output()
	if err != nil {
		p.log.Warn().Err(err).Msg("stale-process sweep: failed to list processes")
		return
	}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		cmdline := strings.Join(fields[1:], " ")

		matchesBinary := false
		for _, b := range binaries {
			if b != "" && strings.Contains(cmdline, b) {
				matchesBinary = true
				break
			}
		}
		if !matchesBinary {
			continue
		}
		if classifierPort != 0 && strings.Contains(cmdline, strconv.Itoa(classifierPort)) {
			continue
		}

		if proc, err := os.FindProcess(pid); err == nil {
			_ = proc.Signal(os.Interrupt)
			p.log.Info().Int("pid", pid).Str("cmdline", cmdline).Msg("swept stale backend process")
		}
	}
}

// bootClassifier spawns the classifier backend and waits up to 60s for it
// to become ready. Failure degrades the router to always returning
// "default" rather than blocking startup.
func (p *Pipeline) bootClassifier(ctx context.Context) {
	if p.cfg.Router.ModelID == "" {
		return
	}
	desc, ok := p.cfg.FindModel(p.cfg.Router.ModelID)
	if !ok {
		p.log.Warn().Str("model", p.cfg.Router.ModelID).Msg("router.model_id has no matching descriptor, classifier disabled")
		return
	}

	if p.driver.IsUp(desc) {
		p.classifier.Set(true)
		p.log.Info().Msg("classifier already running, adopted")
		return
	}

	h, err := p.driver.Start(desc)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to start classifier, router will degrade to default")
		return
	}

	readyCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := p.driver.WaitReady(readyCtx, desc); err != nil {
		p.log.Warn().Err(err).Msg("classifier never became ready, router will degrade to default")
		return
	}

	if reg := p.orchestrator.Registry(); reg != nil {
		reg.Register(h.PID(), registry.Entry{ModelID: p.cfg.Router.ModelID, Port: p.cfg.Router.Port, Category: "router"})
	}
	p.classifier.Set(true)
	p.log.Info().Msg("classifier ready")
}
