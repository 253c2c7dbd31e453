// Package pipeline implements the real-time turn orchestrator. For each
// finalized utterance it waits for the end of the speaker's turn, runs the
// silence pre-check, streams a reply from the reasoning collaborator, releases
// it sentence by sentence through the silence post-check into synthesis and
// forwards the audio to the avatar sink in order.
//
// A [Pipeline] belongs to one call session and runs at most one turn at a
// time. [Pipeline.ProcessSpeechTurn] never returns an error: every failure is
// converted into a terminal [Turn] so the session keeps running.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/observe"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/internal/turn"
	"github.com/MrWong99/cadence/pkg/avatar"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/provider/tts"
	"github.com/MrWong99/cadence/pkg/types"
)

// DefaultSilenceMarker is the token with which the reasoning stage declines
// to speak.
const DefaultSilenceMarker = "[SILENCE]"

// Default timeouts.
const (
	DefaultFirstTokenTimeout = 500 * time.Millisecond
	DefaultFirstByteTimeout  = 400 * time.Millisecond
)

// SampleSink receives the telemetry record of every finished turn. Record
// must not block.
type SampleSink interface {
	Record(ctx context.Context, s latency.Sample)
}

// Config holds per-session pipeline settings.
type Config struct {
	SessionID string

	SystemPrompt         string
	DegradedSystemPrompt string
	Voice                types.VoiceProfile
	SilenceMarker        string
	MaxTokens            int
	Temperature          float64

	FirstTokenTimeout time.Duration
	FirstByteTimeout  time.Duration

	// CueTimeout bounds each idle cue delivery to the avatar.
	CueTimeout time.Duration

	// ContextTurns bounds the rolling context; DegradedContextTurns replaces
	// it on the fastest tier.
	ContextTurns         int
	DegradedContextTurns int
	ContextMaxAge        time.Duration
}

func (c *Config) applyDefaults() {
	if c.SilenceMarker == "" {
		c.SilenceMarker = DefaultSilenceMarker
	}
	if c.FirstTokenTimeout <= 0 {
		c.FirstTokenTimeout = DefaultFirstTokenTimeout
	}
	if c.FirstByteTimeout <= 0 {
		c.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if c.CueTimeout <= 0 {
		c.CueTimeout = DefaultCueTimeout
	}
	if c.ContextTurns <= 0 {
		c.ContextTurns = 12
	}
	if c.DegradedContextTurns <= 0 || c.DegradedContextTurns > c.ContextTurns {
		c.DegradedContextTurns = min(4, c.ContextTurns)
	}
	if c.DegradedSystemPrompt == "" {
		c.DegradedSystemPrompt = c.SystemPrompt
	}
}

// Deps are the collaborators of a [Pipeline]. Detector, Checker, Fast, Synth
// and Avatar are required.
type Deps struct {
	Detector *turn.Detector
	Checker  *silence.Checker

	// Fast is the low-latency reasoning tier. Fastest serves degraded turns;
	// when nil, Fast is used with the degraded prompt and context.
	Fast    llm.Provider
	Fastest llm.Provider

	Synth  tts.Provider
	Avatar avatar.Sink

	// Metrics defaults to a fresh [latency.Metrics] with the default budget.
	Metrics *latency.Metrics

	// Telemetry and Instruments are optional.
	Telemetry   SampleSink
	Instruments *observe.Metrics
}

// Pipeline orchestrates the turns of one call session.
type Pipeline struct {
	cfg  Config
	deps Deps

	window *Window
	cues   *cueQueue

	// slot holds a token while a turn is in flight.
	slot chan struct{}

	mu           sync.Mutex
	fallbackNext bool
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	var errs []error
	if deps.Detector == nil {
		errs = append(errs, errors.New("detector is required"))
	}
	if deps.Checker == nil {
		errs = append(errs, errors.New("silence checker is required"))
	}
	if deps.Fast == nil {
		errs = append(errs, errors.New("reasoning provider is required"))
	}
	if deps.Synth == nil {
		errs = append(errs, errors.New("synthesis provider is required"))
	}
	if deps.Avatar == nil {
		errs = append(errs, errors.New("avatar sink is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: new: %w", err)
	}
	cfg.applyDefaults()
	if deps.Metrics == nil {
		deps.Metrics = latency.NewMetrics(latency.DefaultBudget(), latency.WithInstruments(deps.Instruments))
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		window: NewWindow(cfg.ContextTurns, cfg.ContextMaxAge),
		cues:   newCueQueue(deps.Avatar, cfg.CueTimeout),
		slot:   make(chan struct{}, 1),
	}, nil
}

// Degraded reports whether the session is in degraded mode.
func (p *Pipeline) Degraded() bool {
	return p.deps.Metrics.Degraded()
}

// Snapshot returns the session's latency statistics.
func (p *Pipeline) Snapshot() latency.Snapshot {
	return p.deps.Metrics.Snapshot()
}

// Observe adds a finalized utterance that will not get its own turn to the
// rolling context.
func (p *Pipeline) Observe(u Utterance) {
	if strings.TrimSpace(u.Text) == "" {
		return
	}
	p.window.Add(Entry{Speaker: u.Speaker, Text: u.Text})
}

func (p *Pipeline) takeFallback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.fallbackNext
	p.fallbackNext = false
	return f
}

func (p *Pipeline) armFallback() {
	p.mu.Lock()
	p.fallbackNext = true
	p.mu.Unlock()
}

// ProcessSpeechTurn runs one turn for u and returns its terminal record.
// It blocks until the turn has fully resolved, including the hand-off of the
// last audio chunk to the avatar sink. Cancelling ctx cancels the turn and
// every collaborator stream it opened.
func (p *Pipeline) ProcessSpeechTurn(ctx context.Context, u Utterance) *Turn {
	t := &Turn{
		ID:         uuid.NewString(),
		Speaker:    u.Speaker,
		Transcript: u.Text,
		State:      StateIdle,
		Confidence: 1,
	}
	t.Timestamps.RecognitionFinal = p.deps.Detector.Now()
	t.Timestamps.SpeechEnd = u.SpokenAt

	ctx = observe.WithLogAttrs(ctx,
		slog.String("session_id", p.cfg.SessionID),
		slog.String("turn_id", t.ID),
		slog.String("speaker", string(u.Speaker)),
	)
	ctx, span := observe.StartSpan(ctx, "pipeline.turn")
	defer span.End()

	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		t.State, t.Outcome, t.Err = StateSuppressed, latency.OutcomeSuppressed, ErrTurnCanceled
		p.finish(ctx, t, false)
		return t
	}
	defer func() { <-p.slot }()

	r := &run{p: p, t: t}
	started := r.execute(ctx)
	p.finish(ctx, t, started)

	span.SetAttributes(
		attribute.String("turn.id", t.ID),
		attribute.String("turn.outcome", string(t.Outcome)),
		attribute.String("turn.tier", string(t.Tier)),
		attribute.Float64("turn.confidence", t.Confidence),
	)
	if t.State == StateFailed {
		span.SetStatus(codes.Error, t.Err.Error())
	}
	return t
}

// finish records the turn's telemetry and logs its outcome.
func (p *Pipeline) finish(ctx context.Context, t *Turn, started bool) {
	t.Timestamps.Done = p.deps.Detector.Now()
	// Telemetry outlives a canceled turn.
	bg := context.WithoutCancel(ctx)

	if started && (t.State == StateSuppressed || t.State == StateFailed) {
		p.cues.send(ctx, avatar.CueListening)
	}
	if errors.Is(t.Err, ErrUpstreamUnavailable) {
		p.armFallback()
	}

	s := t.sample(p.cfg.SessionID)
	over, _ := p.deps.Metrics.OverBudget(s)
	degraded, changed := p.deps.Metrics.Record(bg, s)
	s.OverBudget, s.Degraded = over, degraded
	if p.deps.Telemetry != nil {
		p.deps.Telemetry.Record(bg, s)
	}
	if p.deps.Instruments != nil && t.Gate != silence.GateNone {
		phase := "post"
		if t.Timestamps.TurnOpen.IsZero() {
			phase = "pre"
		}
		p.deps.Instruments.RecordSilenceRefusal(bg, t.Gate.String(), phase)
	}

	log := observe.Logger(ctx)
	if changed {
		if degraded {
			log.Warn("entering degraded mode", "consecutive_overruns", p.deps.Metrics.Snapshot().ConsecutiveOverruns)
		} else {
			log.Info("leaving degraded mode")
		}
	}
	switch t.State {
	case StateDispatchedToAvatar:
		log.Info("turn spoken",
			"outcome", t.Outcome,
			"tier", t.Tier,
			"confidence", t.Confidence,
			"sentences", len(t.Sentences),
			"chunks", t.Chunks,
			"response", s.Stages[latency.StageResponse],
			"over_budget", over,
		)
	case StateFailed:
		stage := latency.Stage("")
		var se *StageError
		if errors.As(t.Err, &se) {
			stage = se.Stage
		}
		log.Warn("turn failed", "stage", stage, "tier", t.Tier, "err", t.Err)
	default:
		log.Debug("turn suppressed", "gate", t.Gate, "err", t.Err)
	}
}

// contextMessages builds the reasoning window for a tier. Degraded turns use
// the shorter window and, when the provider reports a context size, drop the
// oldest messages until the window fits a quarter of it.
func (p *Pipeline) contextMessages(tier Tier, provider llm.Provider) []types.Message {
	if tier != TierFastest {
		return p.window.Messages(p.cfg.ContextTurns)
	}
	msgs := p.window.Messages(p.cfg.DegradedContextTurns)
	limit := provider.Capabilities().ContextWindow / 4
	if limit <= 0 {
		return msgs
	}
	for len(msgs) > 1 {
		n, err := provider.CountTokens(msgs)
		if err != nil || n <= limit {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

// run holds the local state of one executing turn.
type run struct {
	p *Pipeline
	t *Turn

	cancel context.CancelFunc

	conf      markerScanner
	confNoted bool
	buf       sentenceBuffer
	text      chan string

	firstByte chan struct{}
	audioDone chan struct{}
	audioErr  error
}

// execute drives the turn to a terminal state. It reports whether the turn
// got past the pre-check.
func (r *run) execute(ctx context.Context) (started bool) {
	p, t := r.p, r.t

	t.State = StatePreChecking
	if err := r.awaitEndOfTurn(ctx); err != nil {
		r.suppress(silence.GateNone, ErrTurnCanceled)
		return false
	}
	if d := p.deps.Checker.PreCheck(t.Transcript, t.Speaker); !d.Allowed {
		r.suppress(d.Gate, fmt.Errorf("%w: %s", ErrSilenceRefused, d.Reason))
		return false
	}
	t.Timestamps.TurnOpen = p.deps.Detector.Now()

	provider := p.deps.Fast
	prompt := p.cfg.SystemPrompt
	t.Tier = TierFast
	fallback := p.takeFallback()
	if p.Degraded() || fallback {
		t.Tier = TierFastest
		prompt = p.cfg.DegradedSystemPrompt
		if p.deps.Fastest != nil {
			provider = p.deps.Fastest
		}
	}
	p.window.Add(Entry{Speaker: t.Speaker, Text: t.Transcript})

	turnCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer func() {
		cancel()
		if r.audioDone != nil {
			<-r.audioDone
		}
	}()

	p.cues.send(ctx, avatar.CueThinking)

	t.State = StateReasoning
	req := llm.CompletionRequest{
		Messages:     p.contextMessages(t.Tier, provider),
		SystemPrompt: prompt,
		MaxTokens:    p.cfg.MaxTokens,
		Temperature:  p.cfg.Temperature,
	}
	r.stream(ctx, turnCtx, provider, req)
	if t.State == StateDispatchedToAvatar {
		p.window.Add(Entry{Speaker: "", Text: strings.Join(t.Sentences, " "), Agent: true})
	}
	return true
}

// awaitEndOfTurn waits until the speaker's pause counts as the end of the
// turn, re-evaluating after every wait because new speech may extend it. It
// gives up after the thinking-pause threshold plus the end-of-turn threshold
// and leaves the verdict to the pre-check.
func (r *run) awaitEndOfTurn(ctx context.Context) error {
	det := r.p.deps.Detector
	eot, thinking := det.Thresholds()
	deadline := det.Now().Add(thinking + eot)
	for {
		now := det.Now()
		wait := det.ResponseDelay(r.t.Speaker, r.t.Transcript, now)
		if wait <= 0 || !now.Before(deadline) {
			return nil
		}
		wait = min(wait, deadline.Sub(now))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type openResult struct {
	ch  <-chan llm.Chunk
	err error
}

// stream consumes the reasoning stream and leaves the turn in a terminal state.
func (r *run) stream(ctx, turnCtx context.Context, provider llm.Provider, req llm.CompletionRequest) {
	p, t := r.p, r.t

	// The first-token timeout covers opening the stream as well.
	firstToken := time.NewTimer(p.cfg.FirstTokenTimeout)
	defer firstToken.Stop()
	firstTokenC := firstToken.C

	opened := make(chan openResult, 1)
	go func() {
		ch, err := provider.StreamCompletion(turnCtx, req)
		opened <- openResult{ch: ch, err: err}
	}()

	var tokens <-chan llm.Chunk
	select {
	case res := <-opened:
		if res.err != nil {
			r.fail(latency.StageReasoningFirstToken, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, res.err))
			return
		}
		tokens = res.ch
	case <-firstTokenC:
		r.fail(latency.StageReasoningFirstToken, fmt.Errorf("%w: no stream after %v", ErrTimeout, p.cfg.FirstTokenTimeout))
		return
	case <-ctx.Done():
		r.suppress(silence.GateNone, ErrTurnCanceled)
		return
	}

	var (
		firstByteTimer *time.Timer
		firstByteC     <-chan time.Time
		firstByte      <-chan struct{}
		audioDone      <-chan struct{}
	)
	defer func() {
		if firstByteTimer != nil {
			firstByteTimer.Stop()
		}
	}()
	// The first-byte timeout starts with the first sentence sent to synthesis.
	armFirstByte := func() {
		if firstByteTimer == nil && r.text != nil {
			firstByte = r.firstByte
			firstByteTimer = time.NewTimer(p.cfg.FirstByteTimeout)
			firstByteC = firstByteTimer.C
		}
	}

	for tokens != nil || audioDone != nil {
		select {
		case <-ctx.Done():
			r.suppress(silence.GateNone, ErrTurnCanceled)
			return

		case <-firstTokenC:
			r.fail(latency.StageReasoningFirstToken, fmt.Errorf("%w: no token after %v", ErrTimeout, p.cfg.FirstTokenTimeout))
			return

		case <-firstByteC:
			r.fail(latency.StageSynthesisFirstByte, fmt.Errorf("%w: no audio after %v", ErrTimeout, p.cfg.FirstByteTimeout))
			return

		case <-firstByte:
			firstByte = nil
			firstByteC = nil
			firstByteTimer.Stop()

		case <-audioDone:
			audioDone = nil
			if r.audioErr != nil {
				r.fail(latency.StageAvatarDispatch, r.audioErr)
				return
			}
			if t.Chunks == 0 {
				r.fail(latency.StageSynthesisFirstByte, fmt.Errorf("%w: synthesis produced no audio", ErrUpstreamUnavailable))
				return
			}

		case c, ok := <-tokens:
			if !ok {
				tokens = nil
				if ctx.Err() != nil {
					r.suppress(silence.GateNone, ErrTurnCanceled)
					return
				}
				if turnCtx.Err() != nil {
					// Only a failing avatar cancels the turn mid-stream.
					<-r.audioDone
					r.fail(latency.StageAvatarDispatch, r.audioErr)
					return
				}
				if !r.endOfStream(ctx, turnCtx) {
					return
				}
				armFirstByte()
				if r.text == nil {
					r.suppress(silence.GateNone, fmt.Errorf("%w: empty reply", ErrSilenceRefused))
					return
				}
				close(r.text)
				audioDone = r.audioDone
				continue
			}
			if c.FinishReason == llm.FinishReasonError {
				err := c.Err
				if err == nil {
					err = errors.New("stream error")
				}
				r.fail(latency.StageReasoningFirstToken, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
				return
			}
			if c.Text == "" {
				continue
			}
			if t.Timestamps.FirstReasoningToken.IsZero() {
				t.Timestamps.FirstReasoningToken = p.deps.Detector.Now()
				firstToken.Stop()
				firstTokenC = nil
			}
			if !r.consume(ctx, turnCtx, r.conf.feed(c.Text)) {
				return
			}
			armFirstByte()
		}
	}

	t.State = StateDispatchedToAvatar
	t.Outcome = latency.OutcomeSpoken
	if t.Tier == TierFastest {
		t.Outcome = latency.OutcomeDegraded
	}
}

// consume feeds released text to the sentence buffer and dispatches complete
// sentences. It returns false when the turn reached a terminal state.
func (r *run) consume(ctx, turnCtx context.Context, text string) bool {
	if !r.conf.settled {
		return true
	}
	r.noteConfidence(ctx)
	r.buf.write(text)
	if r.buf.contains(r.p.cfg.SilenceMarker) {
		r.t.Confidence = 0
		r.suppress(silence.GateConfidence, fmt.Errorf("%w: silence marker", ErrSilenceRefused))
		return false
	}
	for _, s := range r.buf.take() {
		if !r.dispatch(ctx, turnCtx, s) {
			return false
		}
	}
	return true
}

// endOfStream flushes everything still buffered once the reasoning stream
// closed.
func (r *run) endOfStream(ctx, turnCtx context.Context) bool {
	if !r.consume(ctx, turnCtx, r.conf.flush()) {
		return false
	}
	if rest := r.buf.rest(); rest != "" {
		return r.dispatch(ctx, turnCtx, rest)
	}
	return true
}

func (r *run) noteConfidence(ctx context.Context) {
	if r.confNoted {
		return
	}
	r.confNoted = true
	r.t.Confidence = r.conf.conf
	if r.conf.err != nil {
		observe.Logger(ctx).Warn("malformed confidence signal", "err", r.conf.err)
	}
}

// dispatch post-checks one sentence and hands it to synthesis, opening the
// synthesis stream on the first sentence.
func (r *run) dispatch(ctx, turnCtx context.Context, sentence string) bool {
	p, t := r.p, r.t

	if d := p.deps.Checker.PostCheck(t.Transcript, t.Speaker, t.Confidence); !d.Allowed {
		err := fmt.Errorf("%w: %s", ErrSilenceRefused, d.Reason)
		if r.conf.err != nil {
			err = fmt.Errorf("%w: %s: %w", ErrSilenceRefused, d.Reason, r.conf.err)
		}
		r.suppress(d.Gate, err)
		return false
	}

	if r.text == nil {
		text := make(chan string, 16)
		audio, err := p.deps.Synth.SynthesizeStream(turnCtx, text, p.cfg.Voice)
		if err != nil {
			r.fail(latency.StageSynthesisFirstByte, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
			return false
		}
		r.text = text
		r.firstByte = make(chan struct{})
		r.audioDone = make(chan struct{})
		go r.forwardAudio(turnCtx, audio)
		t.Timestamps.FirstSynthesisText = p.deps.Detector.Now()
		t.State = StateSynthesizing
	}

	select {
	case r.text <- sentence:
		t.Sentences = append(t.Sentences, sentence)
		return true
	case <-ctx.Done():
		r.suppress(silence.GateNone, ErrTurnCanceled)
		return false
	case <-r.audioDone:
		if r.audioErr != nil {
			r.fail(latency.StageAvatarDispatch, r.audioErr)
		} else {
			r.fail(latency.StageSynthesisFirstByte, fmt.Errorf("%w: synthesis stream closed early", ErrUpstreamUnavailable))
		}
		return false
	}
}

// forwardAudio hands synthesized audio to the avatar sink in order. It is the
// only writer of the turn's audio fields until audioDone is closed.
func (r *run) forwardAudio(ctx context.Context, audio <-chan []byte) {
	defer close(r.audioDone)
	p, t := r.p, r.t
	seq := 0
	for data := range audio {
		if t.Timestamps.FirstSynthesisByte.IsZero() {
			t.Timestamps.FirstSynthesisByte = p.deps.Detector.Now()
			close(r.firstByte)
		}
		if r.audioErr != nil || ctx.Err() != nil {
			continue
		}
		chunk := types.AudioChunk{TurnID: t.ID, Seq: seq, Data: data}
		seq++
		if err := p.deps.Avatar.Speak(ctx, chunk); err != nil {
			r.audioErr = fmt.Errorf("%w: avatar: %w", ErrUpstreamUnavailable, err)
			r.cancel()
			continue
		}
		if t.Chunks == 0 {
			t.Timestamps.AvatarDispatch = p.deps.Detector.Now()
		}
		t.Chunks++
	}
}

func (r *run) suppress(gate silence.Gate, err error) {
	r.t.State = StateSuppressed
	r.t.Outcome = latency.OutcomeSuppressed
	r.t.Gate = gate
	r.t.Err = err
}

func (r *run) fail(stage latency.Stage, err error) {
	r.t.State = StateFailed
	r.t.Outcome = latency.OutcomeFailed
	r.t.Err = stageErr(stage, err)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
