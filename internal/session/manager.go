package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadence/internal/observe"
)

// ErrClosed is returned by [Manager.Open] after [Manager.Shutdown].
var ErrClosed = errors.New("session: manager is shut down")

// Factory builds a new, not yet running session for id.
type Factory func(ctx context.Context, id string) (*Session, error)

// Manager owns the live sessions of the process and runs their turn loops.
type Manager struct {
	factory Factory
	inst    *observe.Metrics

	ctx context.Context
	g   errgroup.Group

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager. Session loops stop when ctx is cancelled.
// inst may be nil.
func NewManager(ctx context.Context, factory Factory, inst *observe.Metrics) *Manager {
	return &Manager{
		factory:  factory,
		inst:     inst,
		ctx:      ctx,
		sessions: make(map[string]*entry),
	}
}

// Open returns the running session for id, creating and starting it if
// needed. The second return value is true when the session was created.
func (m *Manager) Open(id string) (*Session, bool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}
	if e, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return e.s, false, nil
	}
	m.mu.Unlock()

	// Factories may dial collaborators, so they run outside the lock.
	s, err := m.factory(m.ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("session: open %s: %w", id, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return nil, false, ErrClosed
	}
	if e, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		_ = s.Close()
		return e.s, false, nil
	}
	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{s: s, cancel: cancel, done: make(chan struct{})}
	m.sessions[id] = e
	m.mu.Unlock()

	m.g.Go(func() error {
		defer close(e.done)
		return s.Run(ctx)
	})
	if m.inst != nil {
		m.inst.ActiveSessions.Add(m.ctx, 1)
	}
	slog.Info("session started", "session_id", id)
	return s, true, nil
}

// Get returns the running session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.s, true
}

// List returns a summary of every running session ordered by ID.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s.Info())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Close stops the session's turn loop, waits for it and closes the session.
// Closing an unknown session is a no-op.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.stop(e)
}

func (m *Manager) stop(e *entry) error {
	e.cancel()
	<-e.done
	if m.inst != nil {
		m.inst.ActiveSessions.Add(context.WithoutCancel(m.ctx), -1)
	}
	slog.Info("session stopped", "session_id", e.s.ID(), "uptime", time.Since(e.s.startedAt).Round(time.Second))
	return e.s.Close()
}

// ApplyThreshold changes the confidence threshold of every live session.
func (m *Manager) ApplyThreshold(v float64) {
	for _, s := range m.snapshot() {
		s.SetThreshold(v)
	}
}

// ApplyTurnThresholds changes the turn thresholds of every live session.
func (m *Manager) ApplyTurnThresholds(endOfTurn, thinkingPause time.Duration) {
	for _, s := range m.snapshot() {
		s.SetTurnThresholds(endOfTurn, thinkingPause)
	}
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.s)
	}
	return out
}

// Shutdown stops and closes every session and waits for all turn loops to
// return. Later calls to [Manager.Open] fail with [ErrClosed].
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		entries = append(entries, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := m.stop(e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
