// Package session owns the lifecycle of one call: it ingests recognition
// events without ever blocking the recogniser, keeps the turn detector and
// participant roster current, and feeds finalized utterances to the
// session's [pipeline.Pipeline] one turn at a time.
//
// When a new finalized utterance arrives while a turn is still in flight the
// in-flight turn is cancelled and the new one starts once it has released
// the pipeline. A finalized utterance that is superseded before its turn
// starts is kept as conversation context only.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/pipeline"
	"github.com/MrWong99/cadence/internal/roster"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/internal/turn"
	"github.com/MrWong99/cadence/pkg/types"
)

// Config holds the collaborators of a [Session]. ID, Pipeline, Detector and
// Roster are required.
type Config struct {
	ID       string
	Pipeline *pipeline.Pipeline
	Detector *turn.Detector
	Roster   *roster.Roster

	// Checker is exposed for live threshold updates. Optional.
	Checker *silence.Checker

	// Instruments records ingest counters. Optional.
	Instruments *observe.Metrics

	// OnTurn is called with every finished turn from the session loop.
	OnTurn func(*pipeline.Turn)

	// Closers run in order when the session is closed.
	Closers []func() error
}

// Info is a summary of a running session.
type Info struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Degraded  bool      `json:"degraded"`
}

// Session is one live call.
type Session struct {
	id        string
	pipe      *pipeline.Pipeline
	detector  *turn.Detector
	roster    *roster.Roster
	checker   *silence.Checker
	inst      *observe.Metrics
	onTurn    func(*pipeline.Turn)
	closers   []func() error
	startedAt time.Time

	// mu guards pending and cancel. Taking a pending utterance and installing
	// the cancel func of its turn happen under one lock so a later final
	// always sees the turn it must cancel.
	mu      sync.Mutex
	pending *pipeline.Utterance
	cancel  context.CancelFunc

	notify    chan struct{}
	closeOnce sync.Once
}

// New creates a Session. The caller must start [Session.Run].
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if cfg.Pipeline == nil {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if cfg.Detector == nil {
		errs = append(errs, errors.New("detector is required"))
	}
	if cfg.Roster == nil {
		errs = append(errs, errors.New("roster is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new: %w", err)
	}
	return &Session{
		id:        cfg.ID,
		pipe:      cfg.Pipeline,
		detector:  cfg.Detector,
		roster:    cfg.Roster,
		checker:   cfg.Checker,
		inst:      cfg.Instruments,
		onTurn:    cfg.OnTurn,
		closers:   cfg.Closers,
		startedAt: cfg.Detector.Now(),
		notify:    make(chan struct{}, 1),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Info returns a summary of the session.
func (s *Session) Info() Info {
	return Info{ID: s.id, StartedAt: s.startedAt, Degraded: s.pipe.Degraded()}
}

// Stats returns the session's latency statistics.
func (s *Session) Stats() latency.Snapshot {
	return s.pipe.Snapshot()
}

// Ingest records one recognition event. It never blocks on turn processing.
//
// Every event updates the turn detector. Finalized, non-empty text from a
// participant other than the agent becomes the session's next utterance,
// cancelling the in-flight turn.
func (s *Session) Ingest(ctx context.Context, ev types.RecognitionEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.detector.Now()
	}
	s.detector.RecordSpeechEvent(ev.SpeakerID, ev.Timestamp, ev.IsFinal)
	if s.inst != nil {
		s.inst.RecordRecognitionEvent(ctx, ev.IsFinal)
	}
	if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
		return
	}
	if role, ok := s.roster.Role(ev.SpeakerID); ok && role == types.RoleAgent {
		return
	}

	u := pipeline.Utterance{Speaker: ev.SpeakerID, Text: ev.Text, SpokenAt: ev.Timestamp}

	s.mu.Lock()
	superseded := s.pending
	s.pending = &u
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if superseded != nil {
		slog.Debug("utterance superseded before its turn",
			"session_id", s.id, "speaker", superseded.Speaker)
		s.pipe.Observe(*superseded)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SetParticipant assigns role to speaker.
func (s *Session) SetParticipant(speaker types.SpeakerID, role types.Role) {
	s.roster.Set(speaker, role)
}

// RemoveParticipant forgets the explicit role of speaker.
func (s *Session) RemoveParticipant(speaker types.SpeakerID) {
	s.roster.Remove(speaker)
}

// SetThreshold changes the confidence threshold of the silence checker.
func (s *Session) SetThreshold(v float64) {
	if s.checker != nil {
		s.checker.SetThreshold(v)
	}
}

// SetTurnThresholds changes the turn detector thresholds.
func (s *Session) SetTurnThresholds(endOfTurn, thinkingPause time.Duration) {
	s.detector.SetThresholds(endOfTurn, thinkingPause)
}

// Run processes utterances until ctx is cancelled. It is the only consumer
// of the session's utterances and always returns nil.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
		u, turnCtx, cancel := s.next(ctx)
		if u == nil {
			continue
		}
		t := s.pipe.ProcessSpeechTurn(turnCtx, *u)

		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()

		if s.onTurn != nil {
			s.onTurn(t)
		}
	}
}

func (s *Session) next(ctx context.Context) (*pipeline.Utterance, context.Context, context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.pending
	if u == nil {
		return nil, nil, nil
	}
	s.pending = nil
	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	return u, turnCtx, cancel
}

// Close runs the session's closers. It does not stop [Session.Run]; cancel
// its context for that. Close is idempotent.
func (s *Session) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("session: close %s: %w", s.id, err)
	}
	return nil
}
