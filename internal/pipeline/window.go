package pipeline

import (
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/types"
)

// Window is the bounded rolling context sent with every reasoning request.
// It enforces both a maximum entry count and a maximum age; entries exceeding
// either limit are evicted on every [Window.Add].
//
// All methods are safe for concurrent use.
type Window struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

// Entry is one utterance in the [Window].
type Entry struct {
	Speaker types.SpeakerID
	Text    string
	At      time.Time
	// Agent marks the agent's own spoken replies.
	Agent bool
}

// NewWindow creates a window that retains at most maxSize entries no older
// than maxAge. A non-positive maxAge disables age eviction.
func NewWindow(maxSize int, maxAge time.Duration) *Window {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Window{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Add appends e and evicts expired or surplus entries.
func (w *Window) Add(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e.At.IsZero() {
		e.At = w.now()
	}
	w.entries = append(w.entries, e)
	w.evict()
}

// Messages returns up to limit of the most recent live entries as reasoning
// messages in chronological order. The agent's own lines become "assistant"
// messages; everyone else is a named "user".
func (w *Window) Messages(limit int) []types.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if limit <= 0 || limit > len(w.entries) {
		limit = len(w.entries)
	}
	cutoff := w.cutoff()
	out := make([]types.Message, 0, limit)
	for i := len(w.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := w.entries[i]
		if !cutoff.IsZero() && e.At.Before(cutoff) {
			break
		}
		msg := types.Message{Role: "user", Content: e.Text, Name: string(e.Speaker)}
		if e.Agent {
			msg = types.Message{Role: "assistant", Content: e.Text}
		}
		out = append(out, msg)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the number of retained entries.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

func (w *Window) cutoff() time.Time {
	if w.maxAge <= 0 {
		return time.Time{}
	}
	return w.now().Add(-w.maxAge)
}

// evict removes entries that are too old or exceed maxSize.
// Must be called with w.mu held.
//
// Survivors are copied to a fresh backing array so evicted entries do not pin
// memory for the lifetime of the session.
func (w *Window) evict() {
	start := 0
	if cutoff := w.cutoff(); !cutoff.IsZero() {
		for start < len(w.entries) && w.entries[start].At.Before(cutoff) {
			start++
		}
	}
	keep := w.entries[start:]
	if len(keep) > w.maxSize {
		keep = keep[len(keep)-w.maxSize:]
	}
	if len(keep) < len(w.entries) {
		fresh := make([]Entry, len(keep), w.maxSize)
		copy(fresh, keep)
		w.entries = fresh
	}
}
