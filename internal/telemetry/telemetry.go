// Package telemetry exports per-turn latency samples to durable storage.
//
// The pipeline hands every finished turn to an [Async] exporter, which
// queues the sample and returns immediately. A background loop drains the
// queue in batches into a [Store]. When the queue is full the sample is
// dropped and counted; a turn is never delayed by telemetry.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/internal/latency"
)

// Defaults for [NewAsync].
const (
	DefaultQueueSize     = 1024
	DefaultBatchSize     = 64
	DefaultFlushInterval = time.Second
	shutdownFlushTimeout = 5 * time.Second
)

// Store persists batches of samples.
type Store interface {
	WriteSamples(ctx context.Context, samples []latency.Sample) error
}

// AsyncOption configures an [Async].
type AsyncOption func(*Async)

// WithQueueSize sets the number of samples buffered before new ones are
// dropped.
func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queue = make(chan latency.Sample, n)
		}
	}
}

// WithBatchSize sets the maximum number of samples per store write.
func WithBatchSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait before it is
// written.
func WithFlushInterval(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.interval = d
		}
	}
}

// Async is a non-blocking sample exporter. Record is safe for concurrent
// use; [Async.Run] must be running for samples to reach the store.
type Async struct {
	store     Store
	queue     chan latency.Sample
	batchSize int
	interval  time.Duration

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
}

// NewAsync creates an Async exporter writing to store.
func NewAsync(store Store, opts ...AsyncOption) *Async {
	a := &Async{
		store:     store,
		queue:     make(chan latency.Sample, DefaultQueueSize),
		batchSize: DefaultBatchSize,
		interval:  DefaultFlushInterval,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Record queues s for export. It never blocks.
func (a *Async) Record(_ context.Context, s latency.Sample) {
	select {
	case a.queue <- s:
	default:
		if a.dropped.Add(1) == 1 {
			slog.Warn("telemetry queue full, dropping samples", "queue_size", cap(a.queue))
		}
	}
}

// Stats reports how many samples were written, dropped because the queue
// was full, and lost to store errors.
func (a *Async) Stats() (written, dropped, failed int64) {
	return a.written.Load(), a.dropped.Load(), a.failed.Load()
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a bounded timeout. It always returns nil; store errors are logged.
func (a *Async) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	batch := make([]latency.Sample, 0, a.batchSize)
	for {
		select {
		case <-ctx.Done():
			a.drain(&batch)
			return nil
		case s := <-a.queue:
			batch = append(batch, s)
			if len(batch) >= a.batchSize {
				a.flush(ctx, &batch)
			}
		case <-ticker.C:
			a.flush(ctx, &batch)
		}
	}
}

func (a *Async) drain(batch *[]latency.Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	for {
		select {
		case s := <-a.queue:
			*batch = append(*batch, s)
			if len(*batch) >= a.batchSize {
				a.flush(ctx, batch)
			}
		default:
			a.flush(ctx, batch)
			return
		}
	}
}

func (a *Async) flush(ctx context.Context, batch *[]latency.Sample) {
	if len(*batch) == 0 {
		return
	}
	n := int64(len(*batch))
	if err := a.store.WriteSamples(ctx, *batch); err != nil {
		a.failed.Add(n)
		slog.Warn("telemetry write failed", "samples", n, "err", err)
	} else {
		a.written.Add(n)
	}
	*batch = (*batch)[:0]
}

// LogStore writes samples to the structured log. It is the store used when
// no database is configured.
type LogStore struct {
	Logger *slog.Logger
}

// WriteSamples logs one debug record per sample.
func (l LogStore) WriteSamples(ctx context.Context, samples []latency.Sample) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	for _, s := range samples {
		attrs := []slog.Attr{
			slog.String("turn_id", s.TurnID),
			slog.String("session_id", s.SessionID),
			slog.String("outcome", string(s.Outcome)),
			slog.Bool("over_budget", s.OverBudget),
		}
		for _, st := range latency.Stages {
			if d, ok := s.Stages[st]; ok {
				attrs = append(attrs, slog.Duration(string(st), d))
			}
		}
		log.LogAttrs(ctx, slog.LevelDebug, "turn sample", attrs...)
	}
	return nil
}

// Compile-time check.
var _ Store = LogStore{}

// StoreFunc adapts a function to [Store].
type StoreFunc func(ctx context.Context, samples []latency.Sample) error

// WriteSamples calls f.
func (f StoreFunc) WriteSamples(ctx context.Context, samples []latency.Sample) error {
	return f(ctx, samples)
}
