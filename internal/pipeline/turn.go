package pipeline

import (
	"time"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/pkg/types"
)

// State is a turn's position in the pipeline state machine.
type State int

const (
	StateIdle State = iota
	StatePreChecking
	StateReasoning
	StateSynthesizing
	StateDispatchedToAvatar
	StateSuppressed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreChecking:
		return "pre_checking"
	case StateReasoning:
		return "reasoning"
	case StateSynthesizing:
		return "synthesizing"
	case StateDispatchedToAvatar:
		return "dispatched_to_avatar"
	case StateSuppressed:
		return "suppressed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s == StateDispatchedToAvatar || s == StateSuppressed || s == StateFailed
}

// Tier names the reasoning tier that served a turn.
type Tier string

const (
	TierFast    Tier = "fast"
	TierFastest Tier = "fastest"
)

// Timestamps holds the boundary times of a turn. Zero means never reached.
type Timestamps struct {
	// SpeechEnd is the speaker's last speech evidence before the utterance.
	SpeechEnd time.Time
	// RecognitionFinal is when the pipeline received the finalized utterance.
	RecognitionFinal time.Time
	// TurnOpen is when the pre-check passed and the response window opened.
	TurnOpen            time.Time
	FirstReasoningToken time.Time
	// FirstSynthesisText is when the first approved sentence reached synthesis.
	FirstSynthesisText time.Time
	FirstSynthesisByte time.Time
	AvatarDispatch     time.Time
	Done               time.Time
}

// Utterance is a finalized transcript handed to [Pipeline.ProcessSpeechTurn].
type Utterance struct {
	Speaker types.SpeakerID
	Text    string
	// SpokenAt is when the speaker's last speech evidence ended. Zero means
	// the time the turn starts.
	SpokenAt time.Time
}

// Turn is the record of one attempt to respond to a finalized utterance.
type Turn struct {
	ID         string
	Speaker    types.SpeakerID
	Transcript string

	State   State
	Outcome latency.Outcome
	Tier    Tier

	// Confidence is the confidence the reasoning stream reported for the reply.
	Confidence float64

	// Gate names the refusing gate for suppressed turns.
	Gate silence.Gate

	// Err explains failed and suppressed turns. It unwraps to one of the
	// package sentinel errors and, for stage failures, is a [*StageError].
	Err error

	// Sentences lists, in order, every sentence handed to synthesis.
	Sentences []string

	// Chunks is the number of audio chunks dispatched to the avatar.
	Chunks int

	Timestamps Timestamps
}

// sample converts the finished turn into a telemetry record.
func (t *Turn) sample(sessionID string) latency.Sample {
	ts := t.Timestamps
	stages := make(map[latency.Stage]time.Duration)
	put := func(s latency.Stage, from, to time.Time) {
		if !from.IsZero() && !to.IsZero() && !to.Before(from) {
			stages[s] = to.Sub(from)
		}
	}
	put(latency.StageRecognition, ts.SpeechEnd, ts.RecognitionFinal)
	put(latency.StageTurnWait, ts.RecognitionFinal, ts.TurnOpen)
	put(latency.StageReasoningFirstToken, ts.TurnOpen, ts.FirstReasoningToken)
	put(latency.StageSynthesisFirstByte, ts.FirstSynthesisText, ts.FirstSynthesisByte)
	put(latency.StageAvatarDispatch, ts.FirstSynthesisByte, ts.AvatarDispatch)
	switch {
	case !ts.AvatarDispatch.IsZero():
		put(latency.StageResponse, ts.TurnOpen, ts.AvatarDispatch)
	case !ts.FirstReasoningToken.IsZero():
		put(latency.StageResponse, ts.TurnOpen, ts.FirstReasoningToken)
	}

	s := latency.Sample{
		TurnID:    t.ID,
		SessionID: sessionID,
		Speaker:   t.Speaker,
		Outcome:   t.Outcome,
		Tier:      string(t.Tier),
		Stages:    stages,
		TimedOut:  isTimeout(t.Err),
		StartedAt: ts.RecognitionFinal,
	}
	if t.Gate != silence.GateNone {
		s.Gate = t.Gate.String()
	}
	if t.Err != nil && t.Outcome == latency.OutcomeFailed {
		s.Err = t.Err.Error()
	}
	return s
}
