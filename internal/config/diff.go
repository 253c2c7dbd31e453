package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	TurnChanged bool
	NewTurn     TurnConfig

	// RestartRequired lists top-level sections whose changes only take effect
	// after a restart (or, for session-scoped settings, in new sessions).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.TurnChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if oldT, newT := old.Silence.Threshold(), new.Silence.Threshold(); oldT != newT {
		d.ThresholdChanged = true
		d.NewThreshold = newT
	}
	if old.Turn != new.Turn {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if !sameAgent(old.Agent, new.Agent) {
		d.RestartRequired = append(d.RestartRequired, "agent")
	}
	if !sameParticipants(old.Participants, new.Participants) {
		d.RestartRequired = append(d.RestartRequired, "participants")
	}
	if old.Latency != new.Latency {
		d.RestartRequired = append(d.RestartRequired, "latency")
	}
	if !sameTelemetry(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameTelemetry compares the sample ratio by value; nil equals the default.
func sameTelemetry(a, b TelemetryConfig) bool {
	ra, rb := a.Traces.Ratio(), b.Traces.Ratio()
	a.Traces.SampleRatio, b.Traces.SampleRatio = nil, nil
	return a == b && ra == rb
}

func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || !equalStrings(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	default:
		return *a.TLS == *b.TLS
	}
}

func sameProviders(a, b ProvidersConfig) bool {
	return sameEntry(a.Reasoning, b.Reasoning) &&
		sameEntry(a.ReasoningDegraded, b.ReasoningDegraded) &&
		sameEntry(a.Synthesis, b.Synthesis) &&
		sameEntry(a.Avatar, b.Avatar)
}

func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		if w, ok := b.Options[k]; !ok || !sameScalar(v, w) {
			return false
		}
	}
	return true
}

// sameScalar compares option values. Nested maps and lists always compare as
// changed.
func sameScalar(a, b any) bool {
	switch a.(type) {
	case string, int, int64, float64, bool, nil:
		return a == b
	}
	return false
}

func sameAgent(a, b AgentConfig) bool {
	if a.SpeakerID != b.SpeakerID || a.SystemPrompt != b.SystemPrompt ||
		a.DegradedSystemPrompt != b.DegradedSystemPrompt || a.SilenceMarker != b.SilenceMarker ||
		a.MaxTokens != b.MaxTokens || a.Temperature != b.Temperature {
		return false
	}
	if a.Voice.VoiceID != b.Voice.VoiceID || a.Voice.Name != b.Voice.Name || len(a.Voice.Settings) != len(b.Voice.Settings) {
		return false
	}
	for k, v := range a.Voice.Settings {
		if b.Voice.Settings[k] != v {
			return false
		}
	}
	return true
}

func sameParticipants(a, b ParticipantsConfig) bool {
	return a.DefaultRole == b.DefaultRole && equalStrings(a.Internal, b.Internal) && equalStrings(a.External, b.External)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
