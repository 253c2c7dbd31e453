// Package turn tracks per-speaker speech activity on a call and classifies
// pauses as ongoing speech, a thinking pause or the end of a turn.
//
// The [Detector] is the only owner of speaker activity state. It is fed by
// the recognition ingest path and read by the silence gates and the pipeline;
// all methods are safe for concurrent use.
//
// Durations are computed with [time.Time.Sub]. Timestamps produced by
// [time.Now] carry a monotonic clock reading, so classification is immune to
// wall-clock adjustments as long as callers pass such values. The default
// clock does, and the ingest path rebases bridge timestamps onto it.
package turn

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/cadence/pkg/types"
)

// Default thresholds.
const (
	DefaultEndOfTurn     = 1000 * time.Millisecond
	DefaultThinkingPause = 2500 * time.Millisecond
)

// PauseType classifies the silence following a speaker's last speech.
type PauseType int

const (
	// Speaking means the speaker is talking or paused for less than the
	// end-of-turn threshold.
	Speaking PauseType = iota

	// ThinkingPause means the speaker crossed the end-of-turn threshold but
	// their last utterance looks unfinished, so a response should be held
	// back until the thinking-pause threshold. Only [Detector.Classify]
	// reports it.
	ThinkingPause

	// EndOfTurn means the speaker has likely finished and the agent may be
	// allowed to respond.
	EndOfTurn
)

// String returns the human-readable name of the pause type.
func (p PauseType) String() string {
	switch p {
	case Speaking:
		return "speaking"
	case ThinkingPause:
		return "thinking_pause"
	case EndOfTurn:
		return "end_of_turn"
	default:
		return "unknown"
	}
}

// Activity is a point-in-time copy of one speaker's speech activity.
type Activity struct {
	// LastSpeechEnd is the timestamp of the most recent speech evidence.
	LastSpeechEnd time.Time

	// Speaking is true while the latest event was an interim result, i.e.
	// the recogniser has not yet committed the utterance.
	Speaking bool
}

// Silence returns how long the speaker has been silent at now. Negative
// durations (now before the last event) are clamped to zero.
func (a Activity) Silence(now time.Time) time.Duration {
	d := now.Sub(a.LastSpeechEnd)
	if d < 0 {
		return 0
	}
	return d
}

// Detector is the per-call turn detector.
type Detector struct {
	mu            sync.RWMutex
	endOfTurn     time.Duration
	thinkingPause time.Duration
	speakers      map[types.SpeakerID]*Activity

	now func() time.Time
}

// Option configures a [Detector].
type Option func(*Detector)

// WithClock replaces the clock used by [Detector.Now] and for events recorded
// without a timestamp. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// WithThresholds sets the end-of-turn and thinking-pause thresholds. Zero
// values keep the defaults.
func WithThresholds(endOfTurn, thinkingPause time.Duration) Option {
	return func(d *Detector) {
		if endOfTurn > 0 {
			d.endOfTurn = endOfTurn
		}
		if thinkingPause > 0 {
			d.thinkingPause = thinkingPause
		}
	}
}

// New creates a [Detector]. If the thinking-pause threshold ends up below the
// end-of-turn threshold it is raised to match.
func New(opts ...Option) *Detector {
	d := &Detector{
		endOfTurn:     DefaultEndOfTurn,
		thinkingPause: DefaultThinkingPause,
		speakers:      make(map[types.SpeakerID]*Activity),
		now:           time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.thinkingPause = max(d.thinkingPause, d.endOfTurn)
	return d
}

// Now returns the current time from the detector's clock.
func (d *Detector) Now() time.Time {
	return d.now()
}

// Thresholds returns the current end-of-turn and thinking-pause thresholds.
func (d *Detector) Thresholds() (endOfTurn, thinkingPause time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.endOfTurn, d.thinkingPause
}

// SetThresholds replaces both thresholds at runtime. Non-positive values are
// ignored; thinkingPause is raised to endOfTurn if necessary.
func (d *Detector) SetThresholds(endOfTurn, thinkingPause time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if endOfTurn > 0 {
		d.endOfTurn = endOfTurn
	}
	if thinkingPause > 0 {
		d.thinkingPause = thinkingPause
	}
	d.thinkingPause = max(d.thinkingPause, d.endOfTurn)
}

// RecordSpeechEvent updates the speaker's activity from one recognition
// event. A zero timestamp means "now". Events older than the speaker's
// latest recorded speech do not move the timestamp backwards.
func (d *Detector) RecordSpeechEvent(speaker types.SpeakerID, ts time.Time, isFinal bool) {
	if ts.IsZero() {
		ts = d.now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.speakers[speaker]
	if !ok {
		d.speakers[speaker] = &Activity{LastSpeechEnd: ts, Speaking: !isFinal}
		return
	}
	if ts.Before(a.LastSpeechEnd) {
		return
	}
	a.LastSpeechEnd = ts
	a.Speaking = !isFinal
}

// PauseType classifies the speaker's pause at now. Silence below the
// end-of-turn threshold is [Speaking]; anything at or above it is
// [EndOfTurn] and stays so until a new speech event arrives.
//
// An unknown speaker is registered as having just finished speaking, so it
// is not immediately eligible.
func (d *Detector) PauseType(speaker types.SpeakerID, now time.Time) PauseType {
	a := d.lookupOrTrack(speaker, now)
	d.mu.RLock()
	eot := d.endOfTurn
	d.mu.RUnlock()
	if a.Silence(now) < eot {
		return Speaking
	}
	return EndOfTurn
}

// Classify is like [Detector.PauseType] but also considers the speaker's
// finalized text: when it looks unfinished (trailing conjunction, filler or
// continuation punctuation) the pause is reported as [ThinkingPause] until
// the thinking-pause threshold is reached.
func (d *Detector) Classify(speaker types.SpeakerID, text string, now time.Time) PauseType {
	a := d.lookupOrTrack(speaker, now)
	d.mu.RLock()
	eot, thinking := d.endOfTurn, d.thinkingPause
	d.mu.RUnlock()

	silence := a.Silence(now)
	switch {
	case silence < eot:
		return Speaking
	case silence < thinking && LooksUnfinished(text):
		return ThinkingPause
	default:
		return EndOfTurn
	}
}

// ResponseDelay returns how long a caller should wait from now before the
// speaker's turn is over, given the finalized text. It returns zero when the
// speaker is already at end of turn.
func (d *Detector) ResponseDelay(speaker types.SpeakerID, text string, now time.Time) time.Duration {
	a := d.lookupOrTrack(speaker, now)
	d.mu.RLock()
	eot, thinking := d.endOfTurn, d.thinkingPause
	d.mu.RUnlock()

	target := eot
	if LooksUnfinished(text) {
		target = thinking
	}
	if wait := target - a.Silence(now); wait > 0 {
		return wait
	}
	return 0
}

// ActiveSpeakers returns the speakers whose silence at now is below the
// end-of-turn threshold, sorted by ID. All speakers are evaluated against
// the same snapshot.
func (d *Detector) ActiveSpeakers(now time.Time) []types.SpeakerID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var active []types.SpeakerID
	for id, a := range d.speakers {
		if a.Silence(now) < d.endOfTurn {
			active = append(active, id)
		}
	}
	slices.Sort(active)
	return active
}

// Activity returns a copy of the speaker's activity and whether the speaker
// is known.
func (d *Detector) Activity(speaker types.SpeakerID) (Activity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.speakers[speaker]
	if !ok {
		return Activity{}, false
	}
	return *a, true
}

// lookupOrTrack returns a copy of the speaker's activity, registering an
// unknown speaker as having just finished speaking at now.
func (d *Detector) lookupOrTrack(speaker types.SpeakerID, now time.Time) Activity {
	d.mu.RLock()
	a, ok := d.speakers[speaker]
	if ok {
		cp := *a
		d.mu.RUnlock()
		return cp
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.speakers[speaker]; ok {
		return *a
	}
	a = &Activity{LastSpeechEnd: now}
	d.speakers[speaker] = a
	return *a
}

// continuationWords are trailing words that suggest the speaker is mid-thought.
var continuationWords = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "because": true,
	"um": true, "uh": true, "erm": true, "like": true, "then": true,
	"if": true, "the": true, "a": true, "an": true, "to": true,
	"with": true, "of": true, "which": true, "that": true,
	"is": true, "are": true, "was": true, "were": true, "am": true,
	"be": true, "been": true, "going": true, "gonna": true,
	"for": true, "in": true, "on": true, "at": true, "about": true,
	"my": true, "your": true, "our": true, "when": true, "while": true,
}

// LooksUnfinished reports whether text ends in a way that suggests the
// speaker has not completed their thought.
func LooksUnfinished(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, suffix := range []string{",", "...", "…", "-", "—"} {
		if strings.HasSuffix(t, suffix) {
			return true
		}
	}
	if strings.ContainsAny(t[len(t)-1:], ".!?") {
		return false
	}
	fields := strings.Fields(t)
	last := strings.ToLower(strings.Trim(fields[len(fields)-1], "\"'"))
	return continuationWords[last]
}
