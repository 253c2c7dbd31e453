package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/cadence/internal/pipeline"
	"github.com/MrWong99/cadence/internal/roster"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/internal/turn"
	avatarmock "github.com/MrWong99/cadence/pkg/avatar/mock"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	llmmock "github.com/MrWong99/cadence/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/cadence/pkg/provider/tts/mock"
	"github.com/MrWong99/cadence/pkg/types"
)

const (
	caller types.SpeakerID = "alice"
	agent  types.SpeakerID = "cadence"
)

func reply(text string) []llm.Chunk {
	return []llm.Chunk{{Text: text}, {FinishReason: "stop"}}
}

// hangFirst hangs on its first stream and replies on every later one.
type hangFirst struct {
	calls atomic.Int32
	hang  *llmmock.Provider
	reply *llmmock.Provider
}

func (h *hangFirst) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if h.calls.Add(1) == 1 {
		return h.hang.StreamCompletion(ctx, req)
	}
	return h.reply.StreamCompletion(ctx, req)
}

func (h *hangFirst) CountTokens(msgs []types.Message) (int, error) { return h.reply.CountTokens(msgs) }
func (h *hangFirst) Capabilities() types.ModelCapabilities     { return h.reply.Capabilities() }

type fixture struct {
	det     *turn.Detector
	roster  *roster.Roster
	checker *silence.Checker
	sink    *avatarmock.Sink
	s       *Session
	turns   chan *pipeline.Turn
}

func newFixture(t *testing.T, fast llm.Provider) *fixture {
	t.Helper()
	f := &fixture{
		det:    turn.New(turn.WithThresholds(20*time.Millisecond, 40*time.Millisecond)),
		roster: roster.New(types.RoleExternal),
		sink:   &avatarmock.Sink{},
		turns:  make(chan *pipeline.Turn, 8),
	}
	f.roster.Set(agent, types.RoleAgent)
	f.checker = silence.New(f.det, f.roster)

	p, err := pipeline.New(pipeline.Config{
		SessionID:         "call-1",
		FirstTokenTimeout: 2 * time.Second,
		FirstByteTimeout:  2 * time.Second,
	}, pipeline.Deps{
		Detector: f.det,
		Checker:  f.checker,
		Fast:     fast,
		Synth:    &ttsmock.Provider{AudioPrefix: "pcm:"},
		Avatar:   f.sink,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	s, err := New(Config{
		ID:       "call-1",
		Pipeline: p,
		Detector: f.det,
		Roster:   f.roster,
		Checker:  f.checker,
		OnTurn:   func(tr *pipeline.Turn) { f.turns <- tr },
		Closers:  []func() error{f.sink.Close},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.s = s
	return f
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) final(speaker types.SpeakerID, text string) {
	f.s.Ingest(context.Background(), types.RecognitionEvent{
		SpeakerID: speaker,
		Text:      text,
		IsFinal:   true,
		Timestamp: f.det.Now(),
	})
}

func (f *fixture) nextTurn(t *testing.T) *pipeline.Turn {
	t.Helper()
	select {
	case tr := <-f.turns:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a turn")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	if err == nil {
		t.Fatal("want error for empty config")
	}
	for _, want := range []string{"id", "pipeline", "detector", "roster"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSession_FinalUtteranceRunsTurn(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: reply("[CONF:0.9]Ten dollars a seat.")}
	f := newFixture(t, fast)
	f.run(t)

	f.final(caller, "What's the pricing?")
	tr := f.nextTurn(t)

	if tr.State != pipeline.StateDispatchedToAvatar {
		t.Fatalf("want dispatched, got %s (err: %v)", tr.State, tr.Err)
	}
	if tr.Speaker != caller || tr.Transcript != "What's the pricing?" {
		t.Errorf("turn: got speaker %q transcript %q", tr.Speaker, tr.Transcript)
	}
	if got := f.s.Stats().Turns; got != 1 {
		t.Errorf("Stats().Turns = %d, want 1", got)
	}
}

func TestSession_IngestSkipsNonTriggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   types.RecognitionEvent
	}{
		{"interim", types.RecognitionEvent{SpeakerID: caller, Text: "what's the", IsFinal: false}},
		{"empty final", types.RecognitionEvent{SpeakerID: caller, Text: "  ", IsFinal: true}},
		{"agent speech", types.RecognitionEvent{SpeakerID: agent, Text: "Happy to help.", IsFinal: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, &llmmock.Provider{})
			f.s.Ingest(context.Background(), tc.ev)

			f.s.mu.Lock()
			pending := f.s.pending
			f.s.mu.Unlock()
			if pending != nil {
				t.Errorf("want no pending utterance, got %+v", *pending)
			}
			if _, ok := f.det.Activity(tc.ev.SpeakerID); !ok {
				t.Error("detector was not updated")
			}
		})
	}
}

func TestSession_InterimMarksSpeakerActive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.s.Ingest(context.Background(), types.RecognitionEvent{SpeakerID: caller, Text: "so", IsFinal: false})

	a, ok := f.det.Activity(caller)
	if !ok || !a.Speaking {
		t.Fatalf("want caller speaking after interim event, got %+v (ok=%v)", a, ok)
	}
}

func TestSession_SupersededUtteranceBecomesContext(t *testing.T) {
	t.Parallel()

	fast := &llmmock.Provider{StreamChunks: reply("[CONF:0.9]Sure.")}
	f := newFixture(t, fast)

	// Both finals arrive before the loop starts; only the latest gets a turn.
	f.final(caller, "I have a question.")
	f.final(caller, "Do you ship abroad?")
	f.run(t)

	tr := f.nextTurn(t)
	if tr.Transcript != "Do you ship abroad?" {
		t.Fatalf("want turn for latest utterance, got %q", tr.Transcript)
	}
	calls := fast.Calls()
	if len(calls) != 1 {
		t.Fatalf("want 1 reasoning call, got %d", len(calls))
	}
	msgs := calls[0].Req.Messages
	if len(msgs) != 2 || msgs[0].Content != "I have a question." || msgs[1].Content != "Do you ship abroad?" {
		t.Errorf("context: got %+v", msgs)
	}
	select {
	case extra := <-f.turns:
		t.Errorf("superseded utterance got its own turn: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_NewFinalCancelsInFlightTurn(t *testing.T) {
	t.Parallel()

	fast := &hangFirst{
		hang:  &llmmock.Provider{Hang: true},
		reply: &llmmock.Provider{StreamChunks: reply("[CONF:0.9]We have an SLA.")},
	}
	f := newFixture(t, fast)
	f.run(t)

	f.final(caller, "What's the pricing?")
	waitFor(t, func() bool { return len(fast.hang.Calls()) == 1 })

	f.final(caller, "Actually, what about support?")

	first := f.nextTurn(t)
	if first.State != pipeline.StateSuppressed || !errors.Is(first.Err, pipeline.ErrTurnCanceled) {
		t.Fatalf("first turn: want suppressed with ErrTurnCanceled, got %s (%v)", first.State, first.Err)
	}
	if err := fast.hang.Calls()[0].Ctx.Err(); err == nil {
		t.Error("reasoning stream of the cancelled turn is still live")
	}

	second := f.nextTurn(t)
	if second.Transcript != "Actually, what about support?" {
		t.Fatalf("second turn transcript: got %q", second.Transcript)
	}
	if second.State != pipeline.StateDispatchedToAvatar {
		t.Fatalf("second turn: want dispatched, got %s (%v)", second.State, second.Err)
	}
	for _, c := range f.sink.Chunks() {
		if c.TurnID == first.ID {
			t.Error("cancelled turn reached the avatar")
		}
	}
}

func TestSession_LiveTuning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.s.SetThreshold(0.4)
	if got := f.checker.Threshold(); got != 0.4 {
		t.Errorf("Threshold = %v, want 0.4", got)
	}
	f.s.SetTurnThresholds(300*time.Millisecond, 900*time.Millisecond)
	if eot, think := f.det.Thresholds(); eot != 300*time.Millisecond || think != 900*time.Millisecond {
		t.Errorf("Thresholds = (%v, %v), want (300ms, 900ms)", eot, think)
	}
}

func TestSession_Participants(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &llmmock.Provider{})
	f.s.SetParticipant("carol", types.RoleInternal)
	if role, _ := f.roster.Role("carol"); role != types.RoleInternal {
		t.Errorf("role after set: got %q", role)
	}
	f.s.RemoveParticipant("carol")
	if role, _ := f.roster.Role("carol"); role != types.RoleExternal {
		t.Errorf("role after remove: want default external, got %q", role)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var n int
	f := newFixture(t, &llmmock.Provider{})
	f.s.closers = []func() error{func() error { n++; return errors.New("boom") }}

	if err := f.s.Close(); err == nil {
		t.Fatal("want closer error")
	}
	if err := f.s.Close(); err != nil {
		t.Errorf("second Close: want nil, got %v", err)
	}
	if n != 1 {
		t.Errorf("closer ran %d times, want 1", n)
	}
}
