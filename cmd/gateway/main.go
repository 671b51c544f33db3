// Command gateway runs the LoLS inference gateway: a single HTTP server
// multiplexing a GPU across local text/speech backends and remote APIs.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lols/gateway/internal/api"
	"github.com/lols/gateway/internal/backend"
	"github.com/lols/gateway/internal/classifierstate"
	"github.com/lols/gateway/internal/config"
	"github.com/lols/gateway/internal/gpu"
	"github.com/lols/gateway/internal/httpmw"
	"github.com/lols/gateway/internal/metrics"
	"github.com/lols/gateway/internal/orchestrator"
	"github.com/lols/gateway/internal/pipeline"
	"github.com/lols/gateway/internal/proxy"
	"github.com/lols/gateway/internal/registry"
	"github.com/lols/gateway/internal/router"
	"github.com/lols/gateway/internal/status"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Int("models", len(cfg.Models)).Str("listen_addr", cfg.ListenAddr).Msg("configuration loaded")

	reg := registry.New()
	driver := backend.New(cfg, log)
	scheduler := gpu.New()
	publisher := status.New()
	classifier := classifierstate.New()

	m := metrics.New()

	onStatus := func(modelID, state string) {
		publisher.PublishModelStatus(status.ModelStatusPayload{ModelID: modelID, State: state})
		ids := make([]string, 0, len(cfg.Models))
		for _, model := range cfg.Models {
			ids = append(ids, model.ID)
		}
		switch state {
		case "ready":
			m.SetResidentModel(modelID, ids)
		case "unloaded":
			m.SetResidentModel("", ids)
		}
	}
	orch := orchestrator.New(driver, reg, log, onStatus)

	rt := router.New(cfg, log, classifier)
	px := proxy.New(log)
	pl := pipeline.New(cfg, log, driver, scheduler, orch, rt, px, publisher, classifier, m)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	bootCtx, bootCancel := context.WithTimeout(rootCtx, 90*time.Second)
	pl.Bootstrap(bootCtx)
	bootCancel()

	apiHandler := api.New(cfg, log, pl, orch, driver, rt, px, publisher)

	r := chi.NewRouter()
	r.Use(httpmw.RequestID)
	r.Use(httpmw.StructuredLogging(log, m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-Request-Timeout"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	apiHandler.Mount(r)
	r.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  0, // streaming endpoints need no read deadline
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// The janitor and the HTTP listener are the two long-lived supervisor
	// goroutines; a listener error cancels the group's context so shutdown
	// proceeds.
	supervisor, supervisorCtx := errgroup.WithContext(rootCtx)
	supervisor.Go(func() error {
		janitor(supervisorCtx.Done(), log)
		return nil
	})
	supervisor.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case <-supervisorCtx.Done():
		log.Warn().Msg("a supervisor goroutine exited, shutting down")
	}

	rootCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 35*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}
	orch.Shutdown(shutdownCtx)

	if err := supervisor.Wait(); err != nil {
		log.Warn().Err(err).Msg("server error")
	}
}

// janitor periodically sweeps the system temp directory for abandoned
// transcription upload buffers (os.CreateTemp files named lols-upload-*
// older than an hour survive only if a request crashed before its deferred
// cleanup ran).
func janitor(stop <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sweepTempUploads(log)
		}
	}
}

func sweepTempUploads(log zerolog.Logger) {
	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-60 * time.Minute)
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < 12 || e.Name()[:12] != "lols-upload-" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(os.TempDir(), e.Name())
		if err := os.Remove(path); err == nil {
			log.Debug().Str("path", path).Msg("swept stale upload buffer")
		}
	}
}
