// Package avatar defines the Sink interface for the avatar-rendering
// collaborator.
//
// A sink receives synthesized audio chunks for lip-synced playback and idle
// reaction cues for the moments the agent is not speaking. Both calls are
// fire-and-forget from the pipeline's point of view: implementations enqueue
// and return without waiting for rendering to finish.
//
// Avatar session lifecycle, including rotation when the rendering service
// caps session length, belongs entirely to the implementation.
package avatar

import (
	"context"

	"github.com/MrWong99/cadence/pkg/types"
)

// Cue names a non-speaking avatar reaction.
type Cue string

const (
	// CueThinking signals that the agent is formulating a reply.
	CueThinking Cue = "thinking"

	// CueListening returns the avatar to its attentive idle pose.
	CueListening Cue = "listening"

	// CueNod is a short acknowledgement gesture.
	CueNod Cue = "nod"
)

// Sink is the abstraction over any avatar renderer.
//
// Implementations must be safe for concurrent use. Speak is called in strict
// chunk order for a turn and must preserve that order on the wire.
type Sink interface {
	// Speak enqueues an audio chunk for lip-synced playback. It returns an error
	// only when the sink is unavailable (closed or disconnected beyond recovery).
	Speak(ctx context.Context, chunk types.AudioChunk) error

	// IdleReaction enqueues a non-speaking cue.
	IdleReaction(ctx context.Context, cue Cue) error

	// Close releases the sink's resources. Further calls return errors.
	Close() error
}
