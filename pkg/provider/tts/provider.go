// Package tts defines the Provider interface for the speech synthesis
// collaborator.
//
// A synthesis provider wraps a streaming text-to-speech service (e.g.,
// ElevenLabs) and presents a uniform interface: the caller pushes text
// fragments into a channel as sentences are approved and reads audio bytes from
// the returned channel as they become available, so synthesis of the first
// sentence overlaps reasoning of the next.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/cadence/pkg/types"
)

// Provider is the abstraction over any synthesis backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and returns
	// a channel that emits audio byte slices as they are synthesised, in the
	// order the fragments were sent.
	//
	// The audio channel is closed when the text channel is closed and all text
	// has been synthesised, or when ctx is cancelled. Cancelling ctx must close
	// the underlying connection. The caller must drain the audio channel.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors during
	// synthesis close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
