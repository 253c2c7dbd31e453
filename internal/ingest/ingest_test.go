package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/pipeline"
	"github.com/MrWong99/cadence/internal/roster"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/internal/turn"
	avatarmock "github.com/MrWong99/cadence/pkg/avatar/mock"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/cadence/pkg/provider/tts/mock"
	"github.com/MrWong99/cadence/pkg/types"
)

type env struct {
	mgr *session.Manager
	srv *httptest.Server

	mu      sync.Mutex
	rosters map[string]*roster.Roster
	sinks   map[string]*avatarmock.Sink
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{rosters: map[string]*roster.Roster{}, sinks: map[string]*avatarmock.Sink{}}
	factory := func(_ context.Context, id string) (*session.Session, error) {
		det := turn.New(turn.WithThresholds(20*time.Millisecond, 40*time.Millisecond))
		ros := roster.New(types.RoleExternal)
		sink := &avatarmock.Sink{}
		p, err := pipeline.New(pipeline.Config{SessionID: id, FirstTokenTimeout: 2 * time.Second, FirstByteTimeout: 2 * time.Second}, pipeline.Deps{
			Detector: det,
			Checker:  silence.New(det, ros),
			Fast: &llmmock.Provider{StreamChunks: []llm.Chunk{
				{Text: "[CONF:0.9]Sure thing."}, {FinishReason: "stop"},
			}},
			Synth:  &ttsmock.Provider{},
			Avatar: sink,
		})
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.rosters[id], e.sinks[id] = ros, sink
		e.mu.Unlock()
		return session.New(session.Config{
			ID: id, Pipeline: p, Detector: det, Roster: ros,
			Closers: []func() error{sink.Close},
		})
	}
	e.mgr = session.NewManager(context.Background(), factory, nil)
	t.Cleanup(func() { _ = e.mgr.Shutdown() })

	mux := http.NewServeMux()
	New(e.mgr).Register(mux)
	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) dial(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/sessions/" + id + "/recognition"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getStats(t *testing.T, e *env, id string) (int, statsResponse) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + "/v1/sessions/" + id + "/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	var body statsResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
	}
	return resp.StatusCode, body
}

func TestRecognition_FinalUtteranceIsSpoken(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn := e.dial(t, "call-1")
	send(t, conn, Message{Type: TypeRecognition, SpeakerID: "alice", Text: "Do you ship abroad?", IsFinal: true})

	eventually(t, func() bool {
		code, body := getStats(t, e, "call-1")
		return code == http.StatusOK && body.Stats.Turns == 1
	})
	_, body := getStats(t, e, "call-1")
	if body.Session.ID != "call-1" {
		t.Errorf("session id: got %q", body.Session.ID)
	}
	if body.Stats.Outcomes[latency.OutcomeSpoken] != 1 {
		t.Errorf("outcomes: got %+v", body.Stats.Outcomes)
	}
	e.mu.Lock()
	sink := e.sinks["call-1"]
	e.mu.Unlock()
	if len(sink.Chunks()) == 0 {
		t.Error("no audio reached the avatar")
	}
}

func TestRecognition_RejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  any
		want string
	}{
		{"not json", "}{", "decode"},
		{"unknown type", Message{Type: "chat", SpeakerID: "alice"}, "unknown message type"},
		{"missing speaker", Message{Type: TypeRecognition, Text: "hi"}, "speaker_id"},
		{"bad role", Message{Type: TypeParticipant, SpeakerID: "bob", Role: "boss"}, "unknown participant role"},
		{"bad action", Message{Type: TypeParticipant, SpeakerID: "bob", Role: "internal", Action: "wave"}, "unknown participant action"},
	}
	e := newEnv(t)
	conn := e.dial(t, "call-1")
	for _, tc := range tests {
		if s, ok := tc.msg.(string); ok {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
				t.Fatalf("%s: write: %v", tc.name, err)
			}
			cancel()
		} else {
			send(t, conn, tc.msg)
		}
		got := readMessage(t, conn)
		if got.Type != TypeError || !strings.Contains(got.Error, tc.want) {
			t.Errorf("%s: want error containing %q, got %+v", tc.name, tc.want, got)
		}
	}
}

func TestRecognition_ParticipantEvents(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn := e.dial(t, "call-1")
	send(t, conn, Message{Type: TypeParticipant, SpeakerID: "bob", Role: "internal", Action: ActionJoin})

	roleOf := func() types.Role {
		e.mu.Lock()
		r := e.rosters["call-1"]
		e.mu.Unlock()
		role, _ := r.Role("bob")
		return role
	}
	eventually(t, func() bool { return roleOf() == types.RoleInternal })

	send(t, conn, Message{Type: TypeParticipant, SpeakerID: "bob", Action: ActionLeave})
	eventually(t, func() bool { return roleOf() == types.RoleExternal })
}

func TestRecognition_DisconnectClosesSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	conn := e.dial(t, "call-1")
	eventually(t, func() bool { _, ok := e.mgr.Get("call-1"); return ok })

	e.mu.Lock()
	sink := e.sinks["call-1"]
	e.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "call ended")
	eventually(t, func() bool { _, ok := e.mgr.Get("call-1"); return !ok })
	eventually(t, sink.IsClosed)
}

func TestStats_UnknownSession(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	if code, _ := getStats(t, e, "nope"); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	for _, id := range []string{"call-2", "call-1"} {
		if _, _, err := e.mgr.Open(id); err != nil {
			t.Fatalf("Open: %v", err)
		}
	}

	resp, err := http.Get(e.srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	err = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Sessions) != 2 || body.Sessions[0].ID != "call-1" {
		t.Errorf("sessions: got %+v", body.Sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/v1/sessions/call-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", resp.StatusCode)
	}
	if _, ok := e.mgr.Get("call-1"); ok {
		t.Error("session still running after DELETE")
	}

	req, _ = http.NewRequest(http.MethodDelete, e.srv.URL+"/v1/sessions/call-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", resp.StatusCode)
	}
}

func TestTimestamp(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_718_000_000_000)
	h := New(nil, WithClock(func() time.Time { return now }))

	tests := []struct {
		name string
		ms   int64
		want time.Time
	}{
		{"missing uses arrival", 0, now},
		{"past kept", now.UnixMilli() - 250, now.Add(-250 * time.Millisecond)},
		{"future clamped", now.UnixMilli() + 5000, now},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := h.timestamp(tc.ms); !got.Equal(tc.want) {
				t.Errorf("timestamp(%d) = %v, want %v", tc.ms, got, tc.want)
			}
		})
	}
}

func TestTimestamp_KeepsMonotonicReading(t *testing.T) {
	t.Parallel()

	h := New(nil)
	for _, ms := range []int64{0, time.Now().UnixMilli() - 300, time.Now().UnixMilli() + 5000} {
		got := h.timestamp(ms)
		// A monotonic reading shows up as "m=±..." in the String form.
		if !strings.Contains(got.String(), " m=") {
			t.Errorf("timestamp(%d) = %v has no monotonic reading", ms, got)
		}
		if age := time.Since(got); age < 0 || age > time.Second {
			t.Errorf("timestamp(%d) is %v old", ms, age)
		}
	}
}
