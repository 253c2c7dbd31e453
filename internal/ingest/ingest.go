// Package ingest exposes the HTTP surface through which the media bridge
// feeds a call into cadence.
//
// Routes:
//
//   - GET    /v1/sessions/{id}/recognition: WebSocket carrying recognition
//     and participant events for one call. The session lives as long as the
//     connection that opened it.
//   - GET    /v1/sessions: running sessions.
//   - GET    /v1/sessions/{id}/stats: latency statistics of a session.
//   - DELETE /v1/sessions/{id}: stop a session.
//
// Inbound frames are JSON text messages:
//
//	{"type":"recognition","speaker_id":"alice","text":"hi","is_final":true,"confidence":0.93,"timestamp_ms":1718000000000}
//	{"type":"participant","speaker_id":"bob","role":"internal","action":"join"}
//
// Malformed frames are answered with {"type":"error","error":"…"} and do not
// close the connection.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/pkg/types"
)

// readLimit caps the size of one inbound frame.
const readLimit = 64 << 10

// Message types.
const (
	TypeRecognition = "recognition"
	TypeParticipant = "participant"
	TypeError       = "error"
)

// Participant actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Message is one frame on the recognition channel.
type Message struct {
	Type        string  `json:"type"`
	SpeakerID   string  `json:"speaker_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	IsFinal     bool    `json:"is_final,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
	Role        string  `json:"role,omitempty"`
	Action      string  `json:"action,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Sessions is the subset of [session.Manager] used by the handler.
type Sessions interface {
	Open(id string) (*session.Session, bool, error)
	Get(id string) (*session.Session, bool)
	List() []session.Info
	Close(id string) error
}

// Handler serves the ingest routes.
type Handler struct {
	sessions Sessions
	now      func() time.Time
	accept   *websocket.AcceptOptions
}

// Option configures a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin WebSocket upgrades from hosts
// matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) { h.accept.OriginPatterns = patterns }
}

// WithClock replaces the clock used to bound bridge timestamps. Intended for
// tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler.
func New(sessions Sessions, opts ...Option) *Handler {
	h := &Handler{
		sessions: sessions,
		now:      time.Now,
		accept:   &websocket.AcceptOptions{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the ingest routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/sessions", h.list)
	mux.HandleFunc("GET /v1/sessions/{id}/recognition", h.recognition)
	mux.HandleFunc("GET /v1/sessions/{id}/stats", h.stats)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.close)
}

func (h *Handler) recognition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, created, err := h.sessions.Open(id)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, session.ErrClosed) {
			status = http.StatusGone
		}
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		slog.Warn("ingest: accept failed", "session_id", id, "err", err)
		if created {
			_ = h.sessions.Close(id)
		}
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	log := slog.With("session_id", id)
	log.Info("recognition channel open", "new_session", created)
	if created {
		defer func() {
			if err := h.sessions.Close(id); err != nil {
				log.Warn("closing session", "err", err)
			}
		}()
	}

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
				log.Info("recognition channel closed")
			} else if ctx.Err() == nil {
				log.Warn("recognition channel lost", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			h.reject(ctx, conn, errors.New("binary frames are not supported"))
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reject(ctx, conn, fmt.Errorf("decode: %w", err))
			continue
		}
		if err := h.apply(ctx, s, msg); err != nil {
			h.reject(ctx, conn, err)
		}
	}
}

// apply routes one decoded frame to the session.
func (h *Handler) apply(ctx context.Context, s *session.Session, msg Message) error {
	if msg.SpeakerID == "" {
		return errors.New("speaker_id is required")
	}
	speaker := types.SpeakerID(msg.SpeakerID)
	switch msg.Type {
	case TypeRecognition:
		s.Ingest(ctx, types.RecognitionEvent{
			SpeakerID:  speaker,
			Text:       msg.Text,
			IsFinal:    msg.IsFinal,
			Confidence: msg.Confidence,
			Timestamp:  h.timestamp(msg.TimestampMS),
		})
	case TypeParticipant:
		switch msg.Action {
		case ActionJoin, "":
			role, err := types.ParseRole(msg.Role)
			if err != nil {
				return err
			}
			s.SetParticipant(speaker, role)
		case ActionLeave:
			s.RemoveParticipant(speaker)
		default:
			return fmt.Errorf("unknown participant action %q", msg.Action)
		}
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// timestamp converts a bridge timestamp to a local time. The bridge's wall
// clock only supplies the event's age relative to arrival; the result is
// rebased onto the arrival time and keeps its monotonic reading. Missing
// timestamps and timestamps ahead of the local clock use the arrival time so
// that clock skew cannot make a speaker look active in the future.
func (h *Handler) timestamp(ms int64) time.Time {
	now := h.now()
	if ms <= 0 {
		return now
	}
	age := now.Round(0).Sub(time.UnixMilli(ms))
	if age <= 0 {
		return now
	}
	return now.Add(-age)
}

func (h *Handler) reject(ctx context.Context, conn *websocket.Conn, err error) {
	slog.Debug("ingest: rejected frame", "err", err)
	data, _ := json.Marshal(Message{Type: TypeError, Error: err.Error()})
	_ = conn.Write(ctx, websocket.MessageText, data)
}

type statsResponse struct {
	Session session.Info     `json:"session"`
	Stats   latency.Snapshot `json:"stats"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Session: s.Info(), Stats: s.Stats()})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.List()})
}

func (h *Handler) close(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.sessions.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err := h.sessions.Close(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ingest: encode response", "err", err)
	}
}
