package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/pkg/avatar"
)

// DefaultCueTimeout bounds a single idle cue delivery.
const DefaultCueTimeout = 250 * time.Millisecond

// maxPendingCues is the queue depth; older cues are dropped first.
const maxPendingCues = 4

type pendingCue struct {
	ctx context.Context
	cue avatar.Cue
}

// cueQueue delivers idle cues to the avatar sink off the turn path. Cues are
// delivered in order by at most one goroutine, which exits once the queue is
// empty. A slow sink costs at most timeout per cue and never holds a turn.
type cueQueue struct {
	sink    avatar.Sink
	timeout time.Duration

	mu      sync.Mutex
	pending []pendingCue
	running bool
}

func newCueQueue(sink avatar.Sink, timeout time.Duration) *cueQueue {
	return &cueQueue{sink: sink, timeout: timeout}
}

// send enqueues cue and returns immediately. ctx only carries log attributes
// to the delivery; its cancellation does not apply.
func (q *cueQueue) send(ctx context.Context, cue avatar.Cue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == maxPendingCues {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, pendingCue{ctx: context.WithoutCancel(ctx), cue: cue})
	if q.running {
		return
	}
	q.running = true
	go q.drain()
}

func (q *cueQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		ctx, cancel := context.WithTimeout(next.ctx, q.timeout)
		err := q.sink.IdleReaction(ctx, next.cue)
		cancel()
		if err != nil {
			observe.Logger(next.ctx).Debug("idle reaction failed", "cue", next.cue, "err", err)
		}
	}
}

// idle reports whether no cue is queued or in delivery.
func (q *cueQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.running
}
