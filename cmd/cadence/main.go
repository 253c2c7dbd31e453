// Command cadence is the entry point for the cadence turn-taking voice agent
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/app"
	"github.com/MrWong99/cadence/internal/config"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/avatar/wsavatar"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/llm/anyllm"
	"github.com/MrWong99/cadence/pkg/provider/llm/openai"
	"github.com/MrWong99/cadence/pkg/provider/tts"
	"github.com/MrWong99/cadence/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "cadence.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	jsonLogs := flag.Bool("json-logs", false, "emit logs as JSON")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(newLogger(&level, *jsonLogs))

	// ── Configuration + hot reload ────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(old, new)
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadence: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("cadence starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── OpenTelemetry ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		LatencyBudget:  cfg.Latency.Budget().Total,
		OTLPEndpoint:   cfg.Telemetry.Traces.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.Traces.Insecure,
		SampleRatio:    cfg.Telemetry.Traces.Ratio(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err = app.New(ctx, cfg, providers, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	logStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Reasoning ─────────────────────────────────────────────────────────────
	// openai uses the native SDK so compatible servers (vLLM, LM Studio) work
	// through base_url; the remaining backends go through any-llm-go.
	reg.RegisterReasoning("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if ms := optInt(entry.Options, "timeout_ms"); ms > 0 {
			opts = append(opts, openai.WithTimeout(time.Duration(ms)*time.Millisecond))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllm.Providers {
		if name == "openai" {
			continue
		}
		reg.RegisterReasoning(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ── Synthesis ─────────────────────────────────────────────────────────────
	reg.RegisterSynthesis("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Avatar ────────────────────────────────────────────────────────────────
	reg.RegisterAvatar("websocket", func(entry config.ProviderEntry, sessionID string) (avatar.Sink, error) {
		header := http.Header{}
		header.Set("X-Cadence-Session", sessionID)
		if entry.APIKey != "" {
			header.Set("Authorization", "Bearer "+entry.APIKey)
		}
		opts := []wsavatar.Option{wsavatar.WithHeader(header)}
		if s := optInt(entry.Options, "max_session_s"); s > 0 {
			opts = append(opts, wsavatar.WithMaxSessionDuration(time.Duration(s)*time.Second))
		}
		if n := optInt(entry.Options, "max_retries"); n > 0 {
			opts = append(opts, wsavatar.WithBackoff(n, 0, 0))
		}
		return wsavatar.New(entry.BaseURL, opts...), nil
	})

	for _, kind := range []string{"reasoning", "synthesis", "avatar"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	pc := cfg.Providers
	ps := &app.Providers{
		ReasoningName: pc.Reasoning.Name,
		SynthesisName: pc.Synthesis.Name,
	}

	var err error
	if ps.Reasoning, err = reg.CreateReasoning(pc.Reasoning); err != nil {
		return nil, fmt.Errorf("create reasoning provider %q: %w", pc.Reasoning.Name, err)
	}
	slog.Info("provider created", "kind", "reasoning", "name", pc.Reasoning.Name, "model", pc.Reasoning.Model)

	if pc.ReasoningDegraded.IsSet() {
		if ps.Degraded, err = reg.CreateReasoning(pc.ReasoningDegraded); err != nil {
			return nil, fmt.Errorf("create degraded reasoning provider %q: %w", pc.ReasoningDegraded.Name, err)
		}
		ps.DegradedName = pc.ReasoningDegraded.Name
		slog.Info("provider created", "kind", "reasoning_degraded", "name", pc.ReasoningDegraded.Name, "model", pc.ReasoningDegraded.Model)
	}

	if ps.Synthesis, err = reg.CreateSynthesis(pc.Synthesis); err != nil {
		return nil, fmt.Errorf("create synthesis provider %q: %w", pc.Synthesis.Name, err)
	}
	slog.Info("provider created", "kind", "synthesis", "name", pc.Synthesis.Name)

	avatarEntry := pc.Avatar
	ps.Avatar = func(sessionID string) (avatar.Sink, error) {
		return reg.CreateAvatar(avatarEntry, sessionID)
	}
	// Fail at startup rather than on the first call.
	sink, err := reg.CreateAvatar(avatarEntry, "startup-check")
	if err != nil {
		return nil, fmt.Errorf("create avatar provider %q: %w", avatarEntry.Name, err)
	}
	_ = sink.Close()
	return ps, nil
}

func logStartupSummary(cfg *config.Config) {
	degraded := "(normal tier, reduced context)"
	if cfg.Providers.ReasoningDegraded.IsSet() {
		degraded = cfg.Providers.ReasoningDegraded.Name + "/" + cfg.Providers.ReasoningDegraded.Model
	}
	slog.Info("server ready",
		"reasoning", cfg.Providers.Reasoning.Name+"/"+cfg.Providers.Reasoning.Model,
		"reasoning_degraded", degraded,
		"synthesis", cfg.Providers.Synthesis.Name,
		"avatar", cfg.Providers.Avatar.BaseURL,
		"internal_participants", len(cfg.Participants.Internal),
		"external_participants", len(cfg.Participants.External),
		"budget", cfg.Latency.Budget().Total,
		"telemetry_store", telemetryStore(cfg),
		"traces", traceTarget(cfg),
	)
}

func telemetryStore(cfg *config.Config) string {
	if cfg.Telemetry.PostgresDSN != "" {
		return "postgres"
	}
	return "log"
}

func traceTarget(cfg *config.Config) string {
	if ep := cfg.Telemetry.Traces.OTLPEndpoint; ep != "" {
		return "otlp://" + ep
	}
	return "off"
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
