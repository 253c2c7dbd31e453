// Package wsavatar implements [avatar.Sink] over a WebSocket connection to an
// avatar rendering service.
//
// The sink owns the avatar session: it opens one on connect, rotates it once
// it is older than the configured maximum (only when a new turn begins, never
// in the middle of one) and reconnects with exponential backoff when the
// connection drops. The pipeline never observes rotation or reconnection.
//
// Wire protocol: every frame is a JSON text message with a "type" field.
//
//	{"type":"session.start","session_id":"…"}
//	{"type":"speak","session_id":"…","turn_id":"…","seq":0,"audio":"<base64>"}
//	{"type":"idle","session_id":"…","cue":"thinking"}
//	{"type":"session.end","session_id":"…"}
package wsavatar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/types"
)

// Default connection parameters.
const (
	defaultMaxRetries     = 10
	defaultBackoff        = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMaxSessionTime = 10 * time.Minute
)

// ErrClosed is returned after [Sink.Close].
var ErrClosed = errors.New("wsavatar: sink closed")

// ErrNotConnected is returned by [Sink.IdleReaction] while no session is
// open. Cues are dropped rather than waiting for a reconnect.
var ErrNotConnected = errors.New("wsavatar: not connected")

// Option configures a [Sink].
type Option func(*Sink)

// WithHeader sets HTTP headers sent on every dial (e.g. authorization).
func WithHeader(h http.Header) Option {
	return func(s *Sink) { s.header = h.Clone() }
}

// WithMaxSessionDuration sets the age after which the avatar session is
// rotated at the next turn boundary. Zero or negative disables rotation.
func WithMaxSessionDuration(d time.Duration) Option {
	return func(s *Sink) { s.maxSession = d }
}

// WithBackoff sets the reconnection policy. Zero values keep the defaults.
func WithBackoff(maxRetries int, initial, limit time.Duration) Option {
	return func(s *Sink) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if initial > 0 {
			s.backoff = initial
		}
		if limit > 0 {
			s.maxBackoff = limit
		}
	}
}

// WithClock replaces the clock used for session age. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// Sink is a WebSocket avatar command sink. All methods are safe for
// concurrent use; frames are written in call order.
type Sink struct {
	url        string
	header     http.Header
	maxSession time.Duration
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	openedAt  time.Time
	turnID    string
	closed    bool
}

// New creates a Sink for the avatar service at url (ws:// or wss://). No
// connection is made until [Sink.Connect] or the first command.
func New(url string, opts ...Option) *Sink {
	s := &Sink{
		url:        url,
		maxSession: defaultMaxSessionTime,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SessionID returns the current avatar session ID, or "" when disconnected.
func (s *Sink) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect dials the avatar service and opens a session. It fails fast and
// does not retry.
func (s *Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}
	return s.open(ctx)
}

// Speak forwards one audio chunk. The first chunk of a new turn rotates an
// expired session before it is sent.
func (s *Sink) Speak(ctx context.Context, chunk types.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunk.TurnID != s.turnID {
		s.turnID = chunk.TurnID
		s.rotateIfExpired(ctx)
	}
	return s.send(ctx, func() any {
		return speakMessage{
			Type:      "speak",
			SessionID: s.sessionID,
			TurnID:    chunk.TurnID,
			Seq:       chunk.Seq,
			Audio:     chunk.Data,
		}
	})
}

// IdleReaction sends a non-verbal cue. A thinking cue marks the start of a
// turn and may rotate an expired session. Cues never trigger a reconnect: a
// disconnected sink returns [ErrNotConnected] and the next Speak reconnects.
func (s *Sink) IdleReaction(ctx context.Context, cue avatar.Cue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cue == avatar.CueThinking {
		s.rotateIfExpired(ctx)
	}
	if s.conn == nil {
		return ErrNotConnected
	}
	err := s.write(ctx, idleMessage{Type: "idle", SessionID: s.sessionID, Cue: string(cue)})
	if err != nil && ctx.Err() == nil {
		slog.Warn("avatar cue write failed", "session_id", s.sessionID, "err", err)
		s.drop()
	}
	return err
}

// Close ends the avatar session and closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.endSession(ctx)
	return nil
}

// send writes the frame built by msg, reconnecting once if the connection is
// missing or the write fails. msg is evaluated after any reconnect so it
// carries the current session ID.
func (s *Sink) send(ctx context.Context, msg func() any) error {
	if s.closed {
		return ErrClosed
	}
	if s.conn == nil {
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}
	err := s.write(ctx, msg())
	if err == nil || ctx.Err() != nil {
		return err
	}
	slog.Warn("avatar write failed, reconnecting", "session_id", s.sessionID, "err", err)
	s.drop()
	if err := s.reconnect(ctx); err != nil {
		return err
	}
	return s.write(ctx, msg())
}

func (s *Sink) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsavatar: marshal: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wsavatar: write: %w", err)
	}
	return nil
}

// open dials and starts a fresh session. Callers hold mu.
func (s *Sink) open(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{HTTPHeader: s.header})
	if err != nil {
		return fmt.Errorf("wsavatar: dial: %w", err)
	}
	// Control frames are handled by CloseRead; the service never sends data.
	conn.CloseRead(context.Background())

	s.conn = conn
	s.sessionID = uuid.NewString()
	s.openedAt = s.now()
	if err := s.write(ctx, sessionMessage{Type: "session.start", SessionID: s.sessionID}); err != nil {
		s.drop()
		return err
	}
	slog.Debug("avatar session opened", "session_id", s.sessionID)
	return nil
}

// reconnect retries open with exponential backoff. Callers hold mu.
func (s *Sink) reconnect(ctx context.Context) error {
	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		lastErr = s.open(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.Info("avatar reconnection successful", "session_id", s.sessionID, "attempt", attempt)
			}
			return nil
		}
		slog.Warn("avatar connection attempt failed",
			"attempt", attempt,
			"max_retries", s.maxRetries,
			"backoff", backoff,
			"err", lastErr,
		)
		if attempt == s.maxRetries {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("wsavatar: reconnect: %w", ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
	return fmt.Errorf("wsavatar: reconnect failed after %d attempts: %w", s.maxRetries, lastErr)
}

// rotateIfExpired replaces a session older than maxSession. Failures leave
// the sink disconnected; the next send reconnects. Callers hold mu.
func (s *Sink) rotateIfExpired(ctx context.Context) {
	if s.conn == nil || s.maxSession <= 0 || s.now().Sub(s.openedAt) < s.maxSession {
		return
	}
	old := s.sessionID
	s.endSession(ctx)
	if err := s.open(ctx); err != nil {
		slog.Warn("avatar session rotation failed", "old_session_id", old, "err", err)
		return
	}
	slog.Info("avatar session rotated", "old_session_id", old, "session_id", s.sessionID)
}

// endSession says goodbye and closes the connection. Callers hold mu.
func (s *Sink) endSession(ctx context.Context) {
	_ = s.write(ctx, sessionMessage{Type: "session.end", SessionID: s.sessionID})
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
	s.conn = nil
	s.sessionID = ""
}

func (s *Sink) drop() {
	if s.conn != nil {
		s.conn.CloseNow()
	}
	s.conn = nil
	s.sessionID = ""
}

type sessionMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type speakMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Seq       int    `json:"seq"`
	Audio     []byte `json:"audio"`
}

type idleMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cue       string `json:"cue"`
}

// Ensure Sink implements avatar.Sink at compile time.
var _ avatar.Sink = (*Sink)(nil)
