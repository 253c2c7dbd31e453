// Package mock provides a test double for the avatar.Sink interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/types"
)

// Sink is a mock implementation of avatar.Sink that records every call.
type Sink struct {
	mu sync.Mutex

	// SpeakErr, if non-nil, is returned from Speak.
	SpeakErr error

	// IdleErr, if non-nil, is returned from IdleReaction.
	IdleErr error

	// OnSpeak, if set, is called synchronously from Speak after recording.
	OnSpeak func(types.AudioChunk)

	// SpeakCalls records every chunk passed to Speak, in call order.
	SpeakCalls []types.AudioChunk

	// Cues records every cue passed to IdleReaction, in call order.
	Cues []avatar.Cue

	// Closed reports whether Close was called.
	Closed bool
}

// Speak records chunk and returns SpeakErr.
func (s *Sink) Speak(_ context.Context, chunk types.AudioChunk) error {
	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, chunk)
	err, hook := s.SpeakErr, s.OnSpeak
	s.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}
	return err
}

// IdleReaction records cue and returns IdleErr.
func (s *Sink) IdleReaction(_ context.Context, cue avatar.Cue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cues = append(s.Cues, cue)
	return s.IdleErr
}

// Close marks the sink closed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// IsClosed reports whether Close was called. Thread-safe.
func (s *Sink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// Chunks returns a copy of the recorded Speak calls.
func (s *Sink) Chunks() []types.AudioChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AudioChunk, len(s.SpeakCalls))
	copy(out, s.SpeakCalls)
	return out
}

// CueLog returns a copy of the recorded IdleReaction cues.
func (s *Sink) CueLog() []avatar.Cue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]avatar.Cue, len(s.Cues))
	copy(out, s.Cues)
	return out
}

// Ensure Sink implements avatar.Sink at compile time.
var _ avatar.Sink = (*Sink)(nil)
