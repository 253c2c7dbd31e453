package resilience

import (
	"context"

	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// reasoning backends. Each backend has its own circuit breaker; when the primary
// fails or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "reasoning"
	}
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional reasoning provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Healthy reports whether any backend's breaker admits calls.
func (f *LLMFallback) Healthy() bool { return f.group.Healthy() }

// States reports each backend's breaker state.
func (f *LLMFallback) States() map[string]State { return f.group.States() }

// StreamCompletion opens a stream on the first healthy provider. Failover only
// covers opening the stream; a stream that breaks afterwards is reported to the
// serving provider's breaker and surfaces to the caller as an error chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, breaker, err := executeEntry(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for c := range ch {
			if c.FinishReason == llm.FinishReasonError {
				breaker.Report(c.Err)
			}
			select {
			case out <- c:
			case <-ctx.Done():
				// Drain so the provider goroutine can exit.
				for range ch {
				}
				return
			}
		}
	}()
	return out, nil
}

// CountTokens delegates to the first healthy provider's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(context.Background(), f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary. Capabilities are
// static metadata and do not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}
