// Package orchestrator implements the single-resident model state machine:
// at most one local backend process is ever running at a time, loaded and
// evicted as chat and transcription requests target different descriptors.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/registry"
)

// StatusFunc publishes a modelStatus event. It is called on every mutation
// of the resident model's lifecycle state.
type StatusFunc func(modelID, state string)

// coldStartDeadline bounds a first-time model load, long enough to cover a
// first-use model download by the backend binary.
const coldStartDeadline = 5 * time.Minute

// Driver is the subset of backend.Driver's behavior the orchestrator needs,
// declared as an interface so tests can substitute a fake process driver.
type Driver interface {
	Start(desc *config.ModelDescriptor) (*backend.Handle, error)
	Stop(h *backend.Handle) error
	WaitReady(ctx context.Context, desc *config.ModelDescriptor) error
	IsUp(desc *config.ModelDescriptor) bool
}

// resident describes the currently loaded local backend, or nil if none.
type resident struct {
	descriptor *config.ModelDescriptor
	handle     *backend.Handle
}

// Orchestrator owns the single GPU-resident local backend process.
type Orchestrator struct {
	mu       sync.Mutex
	driver   Driver
	registry *registry.Registry
	log      zerolog.Logger
	onStatus StatusFunc

	current *resident
}

// New creates an Orchestrator bound to a Driver and Registry.
func New(driver Driver, reg *registry.Registry, log zerolog.Logger, onStatus StatusFunc) *Orchestrator {
	if onStatus == nil {
		onStatus = func(string, string) {}
	}
	return &Orchestrator{
		driver:   driver,
		registry: reg,
		log:      log.With().Str("component", "orchestrator").Logger(),
		onStatus: onStatus,
	}
}

// Registry exposes the ModelRegistry this orchestrator populates, so callers
// that learn a request's category (the router/pipeline) can label the
// resident process accordingly.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// CurrentModel returns the id of the currently resident local model, or ""
// if none is loaded.
func (o *Orchestrator) CurrentModel() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.descriptor.ID
}

// CurrentPort returns the port of the currently resident local model.
func (o *Orchestrator) CurrentPort() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return 0, false
	}
	return o.current.descriptor.Port, true
}

// EnsureLoaded guarantees desc's backend is the sole resident process and
// returns its port once it is ready to accept requests. Must be called
// while holding the process's single GPU-use mutex (see package gpu);
// EnsureLoaded itself performs no GPU serialization.
func (o *Orchestrator) EnsureLoaded(ctx context.Context, desc *config.ModelDescriptor) (int, error) {
	if desc.Kind == config.KindRemoteHTTP {
		return 0, fmt.Errorf("orchestrator.EnsureLoaded: %q is a remote model, has no resident port", desc.ID)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Same model already resident: nothing to do, but re-confirm liveness —
	// an externally-killed process must trigger a reload, not a false
	// positive on currentness.
	if o.current != nil && o.current.descriptor.ID == desc.ID {
		if o.driver.IsUp(o.current.descriptor) {
			return o.current.descriptor.Port, nil
		}
		o.log.Warn().Str("model", desc.ID).Msg("resident model found unresponsive, reloading")
		o.current = nil
	}

	// A different model is resident: evict it first.
	if o.current != nil {
		o.evictLocked()
	}

	// Another process may already be bound to desc.Port (started out of
	// band, e.g. by an operator or a previous gateway instance). Adopt it
	// instead of spawning a duplicate.
	if o.driver.IsUp(desc) {
		o.log.Info().Str("model", desc.ID).Int("port", desc.Port).Msg("adopting already-running backend")
		o.current = &resident{descriptor: desc, handle: nil}
		o.onStatus(desc.ID, "ready")
		return desc.Port, nil
	}

	o.onStatus(desc.ID, "loading")
	o.log.Info().Str("model", desc.ID).Msg("cold-starting backend")

	h, err := o.driver.Start(desc)
	if err != nil {
		o.onStatus(desc.ID, "error")
		return 0, fmt.Errorf("starting %q: %w", desc.ID, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, coldStartDeadline)
	defer cancel()
	if err := o.driver.WaitReady(readyCtx, desc); err != nil {
		_ = o.driver.Stop(h)
		o.onStatus(desc.ID, "error")
		return 0, err
	}

	o.current = &resident{descriptor: desc, handle: h}
	if o.registry != nil {
		category := ""
		if desc.Kind == config.KindLocalSpeech {
			category = "transcription"
		}
		o.registry.Register(h.PID(), registry.Entry{ModelID: desc.ID, Port: desc.Port, Category: category})
	}
	o.onStatus(desc.ID, "ready")
	return desc.Port, nil
}

// Evict stops the resident model, if any. Safe to call when nothing is
// loaded.
func (o *Orchestrator) Evict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictLocked()
}

func (o *Orchestrator) evictLocked() {
	if o.current == nil {
		return
	}
	modelID := o.current.descriptor.ID
	o.log.Info().Str("model", modelID).Msg("evicting resident model")
	if o.current.handle != nil {
		_ = o.driver.Stop(o.current.handle)
	}
	o.current = nil
	o.onStatus(modelID, "unloaded")
}

// Shutdown evicts the resident model with a bounded deadline, for use
// during graceful process shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.Evict()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(35 * time.Second):
	}
}
