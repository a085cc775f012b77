// Package app wires the transcription service subsystems into a running
// server.
//
// The App struct owns the full lifecycle: New resolves model providers from
// the config through the provider registry, builds the session manager and
// HTTP surface, Run serves until the context is cancelled, and Shutdown tears
// everything down in order with the configured drain deadline.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skaldlabs/skald/internal/config"
	"github.com/skaldlabs/skald/internal/health"
	"github.com/skaldlabs/skald/internal/observe"
	"github.com/skaldlabs/skald/internal/recap"
	"github.com/skaldlabs/skald/internal/resilience"
	"github.com/skaldlabs/skald/internal/server"
	"github.com/skaldlabs/skald/internal/session"
	"github.com/skaldlabs/skald/pkg/provider/asr"
	"github.com/skaldlabs/skald/pkg/provider/llm"
	"github.com/skaldlabs/skald/pkg/provider/vad/energy"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics

	manager    *session.Manager
	httpServer *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the application logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by resolving the configured providers through reg and
// wiring the session manager and HTTP surface. At least one ASR provider must
// be configured; everything else is optional.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	models, err := a.buildModels(reg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	recapGen, err := a.buildRecap(reg)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.buildManager(models)
	a.buildHTTP(recapGen)
	return a, nil
}

// buildModels resolves all model backends from the provider list. When the
// config lists multiple ASR providers, they are chained into a fallback group
// with per-entry circuit breakers; the first entry is the primary.
func (a *App) buildModels(reg *config.Registry) (session.Models, error) {
	var (
		models    session.Models
		asrModels []asr.Model
		asrNames  []string
	)

	for _, entry := range a.cfg.Providers {
		kind, ok := reg.KindOf(entry.Name)
		if !ok {
			a.log.Warn("skipping unknown provider", "name", entry.Name)
			continue
		}
		switch kind {
		case "asr":
			m, err := reg.CreateASR(entry)
			if err != nil {
				return models, fmt.Errorf("create asr provider %q: %w", entry.Name, err)
			}
			asrModels = append(asrModels, m)
			asrNames = append(asrNames, entry.Name)

		case "vad":
			if models.VAD != nil {
				a.log.Warn("ignoring extra vad provider", "name", entry.Name)
				continue
			}
			e, err := reg.CreateVAD(entry)
			if err != nil {
				return models, fmt.Errorf("create vad provider %q: %w", entry.Name, err)
			}
			models.VAD = e

		case "speaker":
			if models.Speaker != nil {
				a.log.Warn("ignoring extra speaker provider", "name", entry.Name)
				continue
			}
			m, err := reg.CreateSpeaker(entry)
			if err != nil {
				return models, fmt.Errorf("create speaker provider %q: %w", entry.Name, err)
			}
			models.Speaker = m
		}
	}

	if len(asrModels) == 0 {
		return models, fmt.Errorf("at least one asr provider is required")
	}
	models.ASR = asrModels[0]
	if len(asrModels) > 1 {
		fb := resilience.NewASRFallback(asrModels[0], asrNames[0], resilience.FallbackConfig{})
		for i := 1; i < len(asrModels); i++ {
			fb.AddFallback(asrNames[i], asrModels[i])
		}
		models.ASR = fb
		a.log.Info("asr failover chain enabled", "providers", asrNames)
	}

	if models.VAD == nil {
		models.VAD = energy.New()
		a.log.Info("no vad provider configured, using energy detector")
	}

	return models, nil
}

// buildRecap creates the recap generator when enabled. Any llm-kind entries in
// the main provider list become fallbacks behind the recap provider.
func (a *App) buildRecap(reg *config.Registry) (*recap.Generator, error) {
	if !a.cfg.Recap.Enabled {
		return nil, nil
	}

	primary, err := reg.CreateLLM(a.cfg.Recap.Provider)
	if err != nil {
		return nil, fmt.Errorf("create recap provider %q: %w", a.cfg.Recap.Provider.Name, err)
	}

	var extras []llm.Provider
	var extraNames []string
	for _, entry := range a.cfg.Providers {
		if kind, ok := reg.KindOf(entry.Name); ok && kind == "llm" {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
			}
			extras = append(extras, p)
			extraNames = append(extraNames, entry.Name)
		}
	}

	provider := primary
	if len(extras) > 0 {
		fb := resilience.NewLLMFallback(primary, a.cfg.Recap.Provider.Name, resilience.FallbackConfig{})
		for i, p := range extras {
			fb.AddFallback(extraNames[i], p)
		}
		provider = fb
	}
	return recap.New(provider), nil
}

// buildManager creates the session manager from the pipeline config.
func (a *App) buildManager(models session.Models) {
	opts := []session.ManagerOption{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	}
	if ms := a.cfg.Server.DrainTimeoutMs; ms > 0 {
		opts = append(opts, session.WithDrainTimeout(time.Duration(ms)*time.Millisecond))
	}
	a.manager = session.NewManager(a.cfg.Pipeline.Session(), models, opts...)
}

// buildHTTP assembles the mux: transcription WebSocket, health probes, and
// the Prometheus scrape endpoint, all behind the observability middleware.
func (a *App) buildHTTP(recapGen *recap.Generator) {
	srvOpts := []server.Option{
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
	}
	if recapGen != nil {
		srvOpts = append(srvOpts, server.WithRecap(recapGen))
	}
	ws := server.New(a.manager, srvOpts...)

	checks := health.New(
		health.Checker{Name: "sessions", Check: func(context.Context) error {
			if a.manager.Closed() {
				return errors.New("session manager shut down")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	ws.Register(mux)
	checks.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Manager exposes the session manager, mainly for config hot-reload wiring.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// ApplyPipeline applies a changed pipeline config to sessions opened from now
// on. Already-open sessions keep their settings.
func (a *App) ApplyPipeline(p config.PipelineConfig) {
	a.manager.SetPipeline(p.Session())
	a.log.Info("pipeline config applied to new sessions")
}

// Run serves HTTP until ctx is cancelled or the listener fails. On
// cancellation it returns nil; callers run Shutdown separately so the drain
// deadline is honoured.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		errCh <- err
	}()

	a.log.Info("server listening", "addr", a.httpServer.Addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting connections, drains open sessions, and runs any
// registered closers in reverse order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		if err := a.manager.Shutdown(ctx); err != nil {
			a.log.Warn("session drain error", "err", err)
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
