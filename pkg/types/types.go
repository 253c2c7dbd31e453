// Package types defines the shared types used across all cadence packages.
//
// These types form the lingua franca between the recognition ingest, the turn
// detector, the pipeline and its collaborators (reasoning, synthesis, avatar).
// Each package defines its own domain types; only cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// SpeakerID is an opaque identifier for a call participant as reported by the
// speech recogniser.
type SpeakerID string

// Role classifies a participant for the purpose of turn-taking decisions.
type Role string

const (
	// RoleInternal is the human operator the agent supports. The agent never
	// speaks over an internal participant.
	RoleInternal Role = "internal"

	// RoleExternal is any other human on the call (customer, prospect, guest).
	RoleExternal Role = "external"

	// RoleAgent is the automated participant itself. Its own speech never
	// triggers a turn.
	RoleAgent Role = "agent"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleInternal, RoleExternal, RoleAgent:
		return true
	}
	return false
}

// ParseRole converts s into a [Role].
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", fmt.Errorf("types: unknown participant role %q", s)
	}
	return r, nil
}

// RecognitionEvent is a single interim or final speech-recognition result for
// one speaker.
type RecognitionEvent struct {
	// SpeakerID identifies who was speaking.
	SpeakerID SpeakerID

	// Text is the recognised text. For interim events it may be revised by a
	// later event.
	Text string

	// IsFinal is true when the recogniser has committed the utterance.
	IsFinal bool

	// Confidence is the recogniser's own confidence in [0, 1]. Informational.
	Confidence float64

	// Timestamp is the instant the speech evidence was observed. Values
	// obtained from [time.Now] carry a monotonic reading, which the turn
	// detector relies on for skew-free duration arithmetic.
	Timestamp time.Time
}

// Message represents a single message in a reasoning conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// VoiceProfile describes the synthesis voice used by the agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which synthesis provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// ModelCapabilities describes what a reasoning model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// AudioChunk is one piece of synthesised speech handed to the avatar sink.
type AudioChunk struct {
	// TurnID identifies the pipeline turn that produced the audio.
	TurnID string

	// Seq is the zero-based position of the chunk within its turn. Chunks are
	// always delivered in Seq order.
	Seq int

	// Data is raw PCM audio as produced by the synthesis provider.
	Data []byte
}
