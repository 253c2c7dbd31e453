// Package app wires the cadence subsystems into a running server.
//
// New builds the shared collaborators (reasoning tiers wrapped in circuit
// breakers, synthesis, telemetry export) and the session manager. Run serves
// the HTTP surface until its context is cancelled, then stops every session
// and flushes telemetry.
//
// For testing, inject doubles via functional options (WithInstruments,
// WithTelemetryStore, WithClock).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/health"
	"github.com/MrWong99/cadence/internal/ingest"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/resilience"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/internal/telemetry"
	"github.com/MrWong99/cadence/internal/telemetry/postgres"
	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/tts"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Providers holds the collaborators built from the config registry.
type Providers struct {
	Reasoning     llm.Provider
	ReasoningName string

	// Degraded is the fastest reasoning tier. Optional.
	Degraded     llm.Provider
	DegradedName string

	Synthesis     tts.Provider
	SynthesisName string

	// Avatar creates the sink of one session.
	Avatar func(sessionID string) (avatar.Sink, error)
}

// App owns the lifetimes of all subsystems.
type App struct {
	cfg       *config.Config
	providers *Providers
	inst      *observe.Metrics
	now       func() time.Time
	levelVar  *slog.LevelVar

	fast    *resilience.LLMFallback
	fastest *resilience.LLMFallback
	synth   *resilience.TTSFallback

	store     telemetry.Store
	telemetry *telemetry.Async
	sessions  *session.Manager
	handler   http.Handler

	// hot holds the settings a reload may change; new sessions read them.
	mu  sync.Mutex
	hot hotSettings

	// closers are called in order after Run returns.
	closers []func() error

	listening chan string
}

type hotSettings struct {
	threshold float64
	turn      config.TurnConfig
}

// Option is a functional option for New.
type Option func(*App)

// WithInstruments sets the OpenTelemetry instruments. Default:
// [observe.DefaultMetrics].
func WithInstruments(m *observe.Metrics) Option {
	return func(a *App) { a.inst = m }
}

// WithTelemetryStore injects the turn-sample store instead of creating one
// from config.
func WithTelemetryStore(s telemetry.Store) Option {
	return func(a *App) { a.store = s }
}

// WithClock replaces the wall clock of new sessions. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithLevelVar lets config reloads change the log level of handlers built
// on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// New creates an App. ctx bounds the session turn loops and the telemetry
// store connection attempt.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
		hot: hotSettings{
			threshold: cfg.Silence.Threshold(),
			turn:      cfg.Turn,
		},
		listening: make(chan string, 1),
	}
	for _, o := range opts {
		o(a)
	}
	if a.inst == nil {
		a.inst = observe.DefaultMetrics()
	}

	a.initProviders()
	if err := a.initTelemetry(ctx); err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.sessions = session.NewManager(ctx, a.newSession, a.inst)
	a.handler = a.routes()
	return a, nil
}

func (p *Providers) validate() error {
	if p == nil {
		return errors.New("providers are required")
	}
	var errs []error
	if p.Reasoning == nil {
		errs = append(errs, errors.New("reasoning provider is required"))
	}
	if p.Synthesis == nil {
		errs = append(errs, errors.New("synthesis provider is required"))
	}
	if p.Avatar == nil {
		errs = append(errs, errors.New("avatar factory is required"))
	}
	return errors.Join(errs...)
}

// initProviders wraps every collaborator in circuit breakers. The normal and
// fastest tiers fall back to each other.
func (a *App) initProviders() {
	p := a.providers
	cbFor := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			Kind:        kind,
			Instruments: a.inst,
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("provider circuit changed", "kind", kind, "provider", name, "from", from, "to", to)
				},
			},
		}
	}

	a.fast = resilience.NewLLMFallback(p.Reasoning, p.ReasoningName, cbFor("reasoning"))
	if p.Degraded != nil {
		a.fast.AddFallback(p.DegradedName, p.Degraded)
		a.fastest = resilience.NewLLMFallback(p.Degraded, p.DegradedName, cbFor("reasoning_degraded"))
		a.fastest.AddFallback(p.ReasoningName, p.Reasoning)
	}
	a.synth = resilience.NewTTSFallback(p.Synthesis, p.SynthesisName, cbFor("synthesis"))
}

func (a *App) initTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if a.store == nil {
		if tc.PostgresDSN != "" {
			pg, err := postgres.NewStore(ctx, tc.PostgresDSN)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
			slog.Info("turn samples stored in postgres")
		} else {
			a.store = telemetry.LogStore{}
		}
	}

	var opts []telemetry.AsyncOption
	if tc.QueueSize > 0 {
		opts = append(opts, telemetry.WithQueueSize(tc.QueueSize))
	}
	if tc.BatchSize > 0 {
		opts = append(opts, telemetry.WithBatchSize(tc.BatchSize))
	}
	if tc.FlushIntervalMS > 0 {
		opts = append(opts, telemetry.WithFlushInterval(tc.FlushInterval()))
	}
	a.telemetry = telemetry.NewAsync(a.store, opts...)
	return nil
}

func (a *App) routes() http.Handler {
	checks := []health.Checker{
		health.Flag("reasoning", a.fast.Healthy),
		health.Flag("synthesis", a.synth.Healthy),
	}
	if a.fastest != nil {
		checks = append(checks, health.Flag("reasoning_degraded", a.fastest.Healthy))
	}
	if p, ok := a.store.(health.Pinger); ok {
		checks = append(checks, health.Ping("telemetry", p))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	ingest.New(a.sessions, ingest.WithOriginPatterns(a.cfg.Server.AllowedOrigins...)).Register(mux)

	return otelhttp.NewHandler(observe.Middleware(a.inst)(mux), "cadence")
}

// Handler returns the HTTP surface: health checks, /metrics and the ingest
// routes.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Addr returns the address the server listens on once Run has bound it.
func (a *App) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-a.listening:
		a.listening <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run serves HTTP until ctx is cancelled. On return every session is closed
// and buffered telemetry has been flushed.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.listening <- ln.Addr().String()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked WebSocket connections end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Telemetry outlives the server so the last turns are still exported.
	telCtx, stopTelemetry := context.WithCancel(context.WithoutCancel(ctx))
	telDone := make(chan struct{})
	go func() {
		defer close(telDone)
		_ = a.telemetry.Run(telCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	runErr := g.Wait()

	errs := []error{runErr}
	if err := a.sessions.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("app: stop sessions: %w", err))
	}
	stopTelemetry()
	<-telDone
	written, dropped, failed := a.telemetry.Stats()
	slog.Info("telemetry flushed", "written", written, "dropped", dropped, "failed", failed)

	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
