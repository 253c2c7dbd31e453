package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/cadence/pkg/types"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultEndOfTurnMS         = 1000
	DefaultThinkingPauseMS     = 2500
	DefaultConfidenceThreshold = 0.7
	DefaultBudgetMS            = 1000
	DefaultRecognitionMS       = 200
	DefaultFirstTokenMS        = 500
	DefaultFirstByteMS         = 300
	DefaultFirstTokenTimeoutMS = 500
	DefaultFirstByteTimeoutMS  = 400
	DefaultTriggerCount        = 3
	DefaultRecoveryCount       = 3
	DefaultContextTurns        = 12
	DefaultDegradedTurns       = 4
	DefaultContextMaxAgeS      = 300
	DefaultServiceName         = "cadence"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"reasoning": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"synthesis": {"elevenlabs"},
	"avatar":    {"websocket"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	setDefault(&cfg.Turn.EndOfTurnMS, DefaultEndOfTurnMS)
	setDefault(&cfg.Turn.ThinkingPauseMS, DefaultThinkingPauseMS)

	if cfg.Silence.ConfidenceThreshold == nil {
		v := DefaultConfidenceThreshold
		cfg.Silence.ConfidenceThreshold = &v
	}

	l := &cfg.Latency
	setDefault(&l.BudgetMS, DefaultBudgetMS)
	setDefault(&l.RecognitionMS, DefaultRecognitionMS)
	setDefault(&l.ReasoningFirstTokenMS, DefaultFirstTokenMS)
	setDefault(&l.SynthesisFirstByteMS, DefaultFirstByteMS)
	setDefault(&l.FirstTokenTimeoutMS, DefaultFirstTokenTimeoutMS)
	setDefault(&l.FirstByteTimeoutMS, DefaultFirstByteTimeoutMS)
	setDefault(&l.DegradationTriggerCount, DefaultTriggerCount)
	setDefault(&l.RecoveryCount, DefaultRecoveryCount)
	setDefault(&l.ContextTurns, DefaultContextTurns)
	setDefault(&l.DegradedContextTurns, DefaultDegradedTurns)
	setDefault(&l.ContextMaxAgeS, DefaultContextMaxAgeS)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Call [ApplyDefaults] first; zero thresholds are otherwise rejected.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	p := cfg.Providers
	for _, req := range []struct {
		field string
		entry ProviderEntry
	}{
		{"providers.reasoning", p.Reasoning},
		{"providers.synthesis", p.Synthesis},
		{"providers.avatar", p.Avatar},
	} {
		if !req.entry.IsSet() {
			errs = append(errs, fmt.Errorf("%s.name is required", req.field))
		}
	}
	validateProviderName("reasoning", p.Reasoning.Name)
	validateProviderName("reasoning", p.ReasoningDegraded.Name)
	validateProviderName("synthesis", p.Synthesis.Name)
	validateProviderName("avatar", p.Avatar.Name)
	if p.Avatar.IsSet() && p.Avatar.BaseURL == "" {
		errs = append(errs, errors.New("providers.avatar.base_url is required"))
	}

	// Agent
	if cfg.Agent.SpeakerID == "" {
		slog.Warn("agent.speaker_id is empty; the agent's own speech cannot be recognised and ignored")
	}
	if cfg.Agent.Voice.VoiceID == "" {
		errs = append(errs, errors.New("agent.voice.voice_id is required"))
	}
	if cfg.Agent.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("agent.max_tokens must not be negative, got %d", cfg.Agent.MaxTokens))
	}
	if t := cfg.Agent.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", t))
	}

	errs = append(errs, validateParticipants(cfg)...)

	// Turn
	if cfg.Turn.EndOfTurnMS <= 0 {
		errs = append(errs, fmt.Errorf("turn.end_of_turn_ms must be positive, got %d", cfg.Turn.EndOfTurnMS))
	}
	if cfg.Turn.ThinkingPauseMS < cfg.Turn.EndOfTurnMS {
		errs = append(errs, fmt.Errorf("turn.thinking_pause_ms (%d) must be at least turn.end_of_turn_ms (%d)", cfg.Turn.ThinkingPauseMS, cfg.Turn.EndOfTurnMS))
	}

	// Silence
	if th := cfg.Silence.Threshold(); th < 0 || th > 1 {
		errs = append(errs, fmt.Errorf("silence.confidence_threshold %.2f is out of range [0, 1]", th))
	}

	// Latency
	l := cfg.Latency
	if err := l.Budget().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("latency: %w", err))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"recognition_ms", l.RecognitionMS},
		{"reasoning_first_token_ms", l.ReasoningFirstTokenMS},
		{"synthesis_first_byte_ms", l.SynthesisFirstByteMS},
		{"first_token_timeout_ms", l.FirstTokenTimeoutMS},
		{"first_byte_timeout_ms", l.FirstByteTimeoutMS},
		{"degradation_trigger_count", l.DegradationTriggerCount},
		{"recovery_count", l.RecoveryCount},
		{"context_turns", l.ContextTurns},
		{"degraded_context_turns", l.DegradedContextTurns},
		{"context_max_age_s", l.ContextMaxAgeS},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("latency.%s must be positive, got %d", f.name, f.v))
		}
	}
	if l.Window < 0 {
		errs = append(errs, fmt.Errorf("latency.window must not be negative, got %d", l.Window))
	}
	if l.DegradedContextTurns > l.ContextTurns {
		errs = append(errs, fmt.Errorf("latency.degraded_context_turns (%d) must not exceed latency.context_turns (%d)", l.DegradedContextTurns, l.ContextTurns))
	}

	// Telemetry
	if cfg.Telemetry.QueueSize < 0 || cfg.Telemetry.BatchSize < 0 || cfg.Telemetry.FlushIntervalMS < 0 {
		errs = append(errs, errors.New("telemetry: queue_size, batch_size and flush_interval_ms must not be negative"))
	}
	if r := cfg.Telemetry.Traces.Ratio(); r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.traces: sample_ratio %v must be in (0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateParticipants(cfg *Config) []error {
	var errs []error
	pc := cfg.Participants
	if pc.DefaultRole != "" && !pc.DefaultRole.IsValid() {
		errs = append(errs, fmt.Errorf("participants.default_role %q is invalid; valid values: internal, external", pc.DefaultRole))
	}
	if pc.DefaultRole == types.RoleAgent {
		errs = append(errs, errors.New("participants.default_role must not be agent"))
	}
	if pc.DefaultRole == "" {
		slog.Warn("participants.default_role is empty; the agent will not respond to unlisted speakers")
	}

	seen := make(map[string]string)
	check := func(list string, ids []string) {
		for i, id := range ids {
			switch {
			case id == "":
				errs = append(errs, fmt.Errorf("participants.%s[%d] is empty", list, i))
			case id == cfg.Agent.SpeakerID:
				errs = append(errs, fmt.Errorf("participants.%s[%d] %q is the agent's speaker_id", list, i, id))
			case seen[id] != "":
				errs = append(errs, fmt.Errorf("participants.%s[%d] %q is already listed in participants.%s", list, i, id, seen[id]))
			default:
				seen[id] = list
			}
		}
	}
	check("internal", pc.Internal)
	check("external", pc.External)
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
