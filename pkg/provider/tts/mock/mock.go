// Package mock provides a test double for the tts.Provider interface.
//
// Provider synthesises one audio chunk per received text fragment (the
// fragment's bytes, or AudioPrefix+fragment) and records every fragment in
// order, so tests can assert exactly what reached synthesis.
//
// Example:
//
//	p := &mock.Provider{AudioPrefix: "pcm:"}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/provider/tts"
	"github.com/MrWong99/cadence/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AudioPrefix is prepended to each fragment to form its audio chunk.
	AudioPrefix string

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// FirstByteDelay delays the first audio chunk.
	FirstByteDelay time.Duration

	// Silent consumes text but never emits audio, and holds the stream open
	// until ctx is cancelled.
	Silent bool

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Texts records every text fragment received, across all streams.
	Texts []string
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel emitting one chunk per text fragment. The channel closes when text
// is closed or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	prefix, delay, silent := p.AudioPrefix, p.FirstByteDelay, p.Silent
	p.mu.Unlock()

	ch := make(chan []byte)
	go func() {
		defer close(ch)
		first := true
		for {
			var (
				frag string
				ok   bool
			)
			select {
			case <-ctx.Done():
				return
			case frag, ok = <-text:
			}
			if !ok {
				if silent {
					<-ctx.Done()
				}
				return
			}
			p.mu.Lock()
			p.Texts = append(p.Texts, frag)
			p.mu.Unlock()

			if silent {
				continue
			}
			if first && delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			first = false
			select {
			case <-ctx.Done():
				return
			case ch <- []byte(prefix + frag):
			}
		}
	}()
	return ch, nil
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesResult, p.ListVoicesErr
}

// Fragments returns a copy of every text fragment received so far.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

// StreamCount returns the number of SynthesizeStream calls.
func (p *Provider) StreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Texts = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
