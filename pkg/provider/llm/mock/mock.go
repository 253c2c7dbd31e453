// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled token streams to the pipeline
// and to verify the requests it sends. Configure fields before the first call;
// mutating them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "[CONF:0.92]Hello there."}, {FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion. Tests inspect Ctx.Err() to
	// verify that cancellation reached the collaborator.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the stream.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned from StreamCompletion instead of a channel.
	StreamErr error

	// OpenDelay delays the return of StreamCompletion.
	OpenDelay time.Duration

	// FirstChunkDelay delays the first chunk; ChunkDelay delays every later one.
	FirstChunkDelay time.Duration
	ChunkDelay      time.Duration

	// Hang keeps the stream open after the configured chunks until ctx is
	// cancelled, simulating a collaborator that stops responding.
	Hang bool

	// TokensPerMessage is the per-message cost reported by CountTokens. Zero
	// counts one token per four bytes of content.
	TokensPerMessage int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CountTokensCalls is the number of times CountTokens was called.
	CountTokensCalls int
}

// StreamCompletion records the call and returns a channel that emits
// StreamChunks with the configured delays.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	err := p.StreamErr
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	openDelay, first, each, hang := p.OpenDelay, p.FirstChunkDelay, p.ChunkDelay, p.Hang
	p.mu.Unlock()

	if openDelay > 0 {
		if !sleep(ctx, openDelay) {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for i, c := range chunks {
			d := each
			if i == 0 {
				d = first
			}
			if d > 0 && !sleep(ctx, d) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// CountTokens records the call and returns an estimate for messages.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensCalls++
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	total := 0
	for _, m := range messages {
		if p.TokensPerMessage > 0 {
			total += p.TokensPerMessage
			continue
		}
		total += (len(m.Content) + 3) / 4
	}
	return total, nil
}

// Capabilities returns ModelCapabilities.
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelCapabilities
}

// Calls returns a copy of the recorded StreamCompletion invocations.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.StreamCalls))
	copy(out, p.StreamCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CountTokensCalls = 0
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
