// Package backend implements the Backend Driver: starting, stopping, and
// health-checking the external text and speech inference server processes
// that the orchestrator loads onto the GPU.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lols/gateway/internal/config"
)

// Handle is the opaque process handle returned by Start.
type Handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	pid    int
	exited chan struct{}
}

// PID returns the backend process's OS pid.
func (h *Handle) PID() int { return h.pid }

// Driver starts, stops, and health-checks local backend processes.
type Driver struct {
	textServerPath   string
	speechServerPath string
	gpuEnabled       bool
	gpuDevice        int
	log              zerolog.Logger
}

// New creates a Driver bound to the configured server binaries.
func New(cfg *config.Config, log zerolog.Logger) *Driver {
	return &Driver{
		textServerPath:   cfg.TextServerPath,
		speechServerPath: cfg.SpeechServerPath,
		gpuEnabled:       cfg.GPUEnabled,
		gpuDevice:        cfg.GPUDevice,
		log:              log.With().Str("component", "backend").Logger(),
	}
}

// Start launches an external process bound to 127.0.0.1:desc.Port.
// It fails fast if the backend binary or model file are missing on disk —
// a config_invalid error, fatal to the caller.
func (d *Driver) Start(desc *config.ModelDescriptor) (*Handle, error) {
	switch desc.Kind {
	case config.KindLocalText:
		return d.startText(desc)
	case config.KindLocalSpeech:
		return d.startSpeech(desc)
	default:
		return nil, fmt.Errorf("backend.Start: descriptor %q is not a local kind", desc.ID)
	}
}

func (d *Driver) startText(desc *config.ModelDescriptor) (*Handle, error) {
	if err := requireFile(d.textServerPath, "text server binary"); err != nil {
		return nil, err
	}
	if err := requireFile(desc.File, "model file"); err != nil {
		return nil, err
	}

	args := []string{
		"--model", desc.File,
		"--port", strconv.Itoa(desc.Port),
		"--host", "127.0.0.1",
	}
	if desc.MMProj != "" {
		args = append(args, "--mmproj", desc.MMProj)
	}
	if desc.Context > 0 {
		// Force the backend's advertised context length to match the
		// configured budget rather than its built-in default.
		args = append(args, "--ctx-size", strconv.Itoa(desc.Context))
	}
	if desc.Temperature > 0 {
		args = append(args, "--temp", fmt.Sprintf("%v", desc.Temperature))
	}
	if desc.TopP > 0 {
		args = append(args, "--top-p", fmt.Sprintf("%v", desc.TopP))
	}
	if p := desc.Performance; p != nil {
		if p.FlashAttention {
			args = append(args, "--flash-attn")
		}
		if p.BatchSize > 0 {
			args = append(args, "--batch-size", strconv.Itoa(p.BatchSize))
		}
		if p.MicroBatchSize > 0 {
			args = append(args, "--ubatch-size", strconv.Itoa(p.MicroBatchSize))
		}
		if p.Threads > 0 {
			args = append(args, "--threads", strconv.Itoa(p.Threads))
		}
		if p.ParallelSlots > 0 {
			args = append(args, "--parallel", strconv.Itoa(p.ParallelSlots))
		}
		if p.ContinuousBatch {
			args = append(args, "--cont-batching")
		}
		if p.CacheTypeK != "" {
			args = append(args, "--cache-type-k", p.CacheTypeK)
		}
		if p.CacheTypeV != "" {
			args = append(args, "--cache-type-v", p.CacheTypeV)
		}
	}
	args = append(args, d.gpuArgs()...)

	return d.spawn(d.textServerPath, args, desc.ID)
}

func (d *Driver) startSpeech(desc *config.ModelDescriptor) (*Handle, error) {
	if err := requireFile(d.speechServerPath, "speech server binary"); err != nil {
		return nil, err
	}
	if err := requireFile(desc.File, "model file"); err != nil {
		return nil, err
	}

	language := desc.Language
	if language == "" {
		language = "auto"
	}
	args := []string{
		"--model", desc.File,
		"--port", strconv.Itoa(desc.Port),
		"--host", "127.0.0.1",
		"--language", language,
		"--threads", strconv.Itoa(desc.Threads),
	}
	args = append(args, d.gpuArgs()...)

	return d.spawn(d.speechServerPath, args, desc.ID)
}

func (d *Driver) gpuArgs() []string {
	if d.gpuEnabled {
		return []string{"--n-gpu-layers", "-1", "--device", strconv.Itoa(d.gpuDevice)}
	}
	return []string{"--n-gpu-layers", "0"}
}

func (d *Driver) spawn(bin string, args []string, modelID string) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", bin, err)
	}

	h := &Handle{
		cmd:    cmd,
		cancel: cancel,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}

	d.log.Info().Str("model", modelID).Int("pid", h.pid).Strs("args", args).Msg("backend started")

	// Installs a no-throw error sink: Wait's error never escapes this
	// goroutine, only the exited channel closing is observable.
	go func() {
		if err := cmd.Wait(); err != nil {
			d.log.Warn().Str("model", modelID).Int("pid", h.pid).Err(err).Msg("backend process exited")
		}
		close(h.exited)
	}()

	return h, nil
}

// Stop sends SIGTERM and escalates to SIGKILL after 30s. Idempotent.
func (d *Driver) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	h.cancel()

	select {
	case <-h.exited:
		return nil
	case <-time.After(30 * time.Second):
	}

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.exited
	return nil
}

// WaitReady polls the backend's readiness endpoint until it succeeds or ctx
// is done. Text backends are polled at /v1/models, speech backends at
// /health.
func (d *Driver) WaitReady(ctx context.Context, desc *config.ModelDescriptor) error {
	url := readyURL(desc)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		if isUpOnce(url) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend_cold_start_timeout: %s never became ready: %w", desc.ID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// IsUp is a single-shot WaitReady predicate with a short timeout.
func (d *Driver) IsUp(desc *config.ModelDescriptor) bool {
	return isUpOnce(readyURL(desc))
}

func readyURL(desc *config.ModelDescriptor) string {
	if desc.Kind == config.KindLocalSpeech {
		return fmt.Sprintf("http://127.0.0.1:%d/health", desc.Port)
	}
	return fmt.Sprintf("http://127.0.0.1:%d/v1/models", desc.Port)
}

func isUpOnce(url string) bool {
	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func requireFile(path, what string) error {
	if path == "" {
		return fmt.Errorf("config_invalid: %s path is empty", what)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config_invalid: %s %q: %w", what, path, err)
	}
	return nil
}
