// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the cadence voice agent.
package config

import (
	"time"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/pkg/types"
)

// LogLevel controls log verbosity for the cadence server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for cadence.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Agent        AgentConfig        `yaml:"agent"`
	Participants ParticipantsConfig `yaml:"participants"`
	Turn         TurnConfig         `yaml:"turn"`
	Silence      SilenceConfig      `yaml:"silence"`
	Latency      LatencyConfig      `yaml:"latency"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists host patterns accepted for browser WebSocket
	// upgrades on the ingest endpoint. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig selects the collaborator implementations. Each entry names a
// factory registered in the [Registry].
type ProvidersConfig struct {
	// Reasoning is the normal, low-latency reasoning tier.
	Reasoning ProviderEntry `yaml:"reasoning"`

	// ReasoningDegraded is the fastest tier used in degraded mode. Optional;
	// when unset the normal tier serves degraded turns with a reduced context.
	ReasoningDegraded ProviderEntry `yaml:"reasoning_degraded"`

	Synthesis ProviderEntry `yaml:"synthesis"`
	Avatar    ProviderEntry `yaml:"avatar"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For the avatar
	// provider it is the WebSocket URL of the renderer.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// IsSet reports whether the entry names a provider.
func (e ProviderEntry) IsSet() bool { return e.Name != "" }

// AgentConfig describes how the agent speaks.
type AgentConfig struct {
	// SpeakerID is the recogniser's identifier for the agent's own voice. Its
	// utterances never trigger a turn.
	SpeakerID string `yaml:"speaker_id"`

	SystemPrompt string `yaml:"system_prompt"`

	// DegradedSystemPrompt replaces SystemPrompt on the fastest tier. Empty
	// reuses SystemPrompt.
	DegradedSystemPrompt string `yaml:"degraded_system_prompt"`

	Voice VoiceConfig `yaml:"voice"`

	// SilenceMarker is the token the model emits to decline to speak.
	SilenceMarker string `yaml:"silence_marker"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// VoiceConfig selects the synthesis voice.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`
	Name    string `yaml:"name"`

	// Settings are passed to the synthesis provider as voice metadata, e.g.
	// stability or similarity_boost for ElevenLabs.
	Settings map[string]string `yaml:"settings"`
}

// Profile converts the voice config for the synthesis provider named provider.
func (v VoiceConfig) Profile(provider string) types.VoiceProfile {
	return types.VoiceProfile{
		ID:       v.VoiceID,
		Name:     v.Name,
		Provider: provider,
		Metadata: v.Settings,
	}
}

// ParticipantsConfig seeds every session's participant roster.
type ParticipantsConfig struct {
	// DefaultRole applies to speakers not listed below. Empty means unknown
	// speakers have no role, and the agent will not respond to them.
	DefaultRole types.Role `yaml:"default_role"`

	Internal []string `yaml:"internal"`
	External []string `yaml:"external"`
}

// TurnConfig holds the turn detector's silence thresholds. Hot-reloadable.
type TurnConfig struct {
	EndOfTurnMS     int `yaml:"end_of_turn_ms"`
	ThinkingPauseMS int `yaml:"thinking_pause_ms"`
}

// EndOfTurn returns the end-of-turn threshold.
func (t TurnConfig) EndOfTurn() time.Duration { return ms(t.EndOfTurnMS) }

// ThinkingPause returns the thinking-pause threshold.
func (t TurnConfig) ThinkingPause() time.Duration { return ms(t.ThinkingPauseMS) }

// SilenceConfig configures the strategic-silence gate.
type SilenceConfig struct {
	// ConfidenceThreshold is the minimum self-reported confidence required to
	// speak, in [0, 1]. Hot-reloadable. Nil means the default 0.7.
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
}

// Threshold returns the configured threshold, or the default when unset.
func (s SilenceConfig) Threshold() float64 {
	if s.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *s.ConfidenceThreshold
}

// LatencyConfig holds the latency budget, stage timeouts and degraded-mode
// tuning.
type LatencyConfig struct {
	BudgetMS              int `yaml:"budget_ms"`
	RecognitionMS         int `yaml:"recognition_ms"`
	ReasoningFirstTokenMS int `yaml:"reasoning_first_token_ms"`
	SynthesisFirstByteMS  int `yaml:"synthesis_first_byte_ms"`

	// Stage timeouts. A stage that exceeds its timeout fails the turn closed.
	FirstTokenTimeoutMS int `yaml:"first_token_timeout_ms"`
	FirstByteTimeoutMS  int `yaml:"first_byte_timeout_ms"`

	// DegradationTriggerCount consecutive overruns enter degraded mode;
	// RecoveryCount consecutive in-budget turns leave it.
	DegradationTriggerCount int `yaml:"degradation_trigger_count"`
	RecoveryCount           int `yaml:"recovery_count"`

	ContextTurns         int `yaml:"context_turns"`
	DegradedContextTurns int `yaml:"degraded_context_turns"`
	ContextMaxAgeS       int `yaml:"context_max_age_s"`

	// Window is the number of samples per stage kept for percentiles.
	Window int `yaml:"window"`
}

// Budget converts the millisecond fields to a [latency.Budget].
func (l LatencyConfig) Budget() latency.Budget {
	return latency.Budget{
		Total:               ms(l.BudgetMS),
		Recognition:         ms(l.RecognitionMS),
		ReasoningFirstToken: ms(l.ReasoningFirstTokenMS),
		SynthesisFirstByte:  ms(l.SynthesisFirstByteMS),
	}
}

// FirstTokenTimeout returns the reasoning first-token timeout.
func (l LatencyConfig) FirstTokenTimeout() time.Duration { return ms(l.FirstTokenTimeoutMS) }

// FirstByteTimeout returns the synthesis first-byte timeout.
func (l LatencyConfig) FirstByteTimeout() time.Duration { return ms(l.FirstByteTimeoutMS) }

// ContextMaxAge returns the maximum age of a context entry.
func (l LatencyConfig) ContextMaxAge() time.Duration {
	return time.Duration(l.ContextMaxAgeS) * time.Second
}

// TelemetryConfig configures metrics and turn-sample export.
type TelemetryConfig struct {
	// ServiceName is the OpenTelemetry service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// PostgresDSN enables the PostgreSQL turn-sample store. Empty logs
	// samples at debug level instead.
	PostgresDSN string `yaml:"postgres_dsn"`

	QueueSize       int `yaml:"queue_size"`
	BatchSize       int `yaml:"batch_size"`
	FlushIntervalMS int `yaml:"flush_interval_ms"`

	// Traces enables export of per-turn spans.
	Traces TraceConfig `yaml:"traces"`
}

// TraceConfig configures span export over OTLP/HTTP.
type TraceConfig struct {
	// OTLPEndpoint is the collector host:port (e.g. "localhost:4318"). Empty
	// disables trace export; spans are still created for log correlation.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of root spans sampled, in (0, 1].
	// Default: 1.
	SampleRatio *float64 `yaml:"sample_ratio"`
}

// Ratio returns the configured sample ratio, or 1 when unset.
func (t TraceConfig) Ratio() float64 {
	if t.SampleRatio == nil {
		return 1
	}
	return *t.SampleRatio
}

// FlushInterval returns the partial-batch flush interval.
func (t TelemetryConfig) FlushInterval() time.Duration { return ms(t.FlushIntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
