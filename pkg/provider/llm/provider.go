// Package llm defines the Provider interface for the reasoning collaborator.
//
// A reasoning provider wraps a remote or local model API (e.g., OpenAI, Anthropic
// or a local Ollama instance) and exposes a uniform streaming interface so the
// pipeline can start speaking before the full reply has been generated.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled. Cancelling the context must abort the
// underlying network call, not merely stop delivery.
package llm

import (
	"context"

	"github.com/MrWong99/cadence/pkg/types"
)

// FinishReasonError marks a chunk that reports a mid-stream failure. The chunk's
// Err field carries the cause.
const FinishReasonError = "error"

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the bounded conversation window. The last message is the
	// finalized utterance that triggered the turn.
	Messages []types.Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is injected before the conversation window. Providers without
	// a dedicated system field prepend it as a "system"-role message.
	SystemPrompt string
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty on the
	// final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// [FinishReasonError]. Empty for non-final chunks.
	FinishReason string

	// Err is set when FinishReason is [FinishReasonError].
	Err error
}

// Provider is the abstraction over any reasoning backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed when generation
	// finishes or when ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream from
	// starting (unreachable endpoint, invalid credentials). Errors after the
	// stream opened arrive as a Chunk with FinishReason [FinishReasonError].
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates the tokens the given messages consume in the model's
	// context window. Used to truncate the window in degraded mode. The result
	// may be approximate but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() types.ModelCapabilities
}
