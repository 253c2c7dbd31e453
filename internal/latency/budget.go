// Package latency accumulates per-stage pipeline latencies, enforces the
// end-to-end latency budget and tracks the degradation trend across turns.
package latency

import (
	"fmt"
	"time"

	"github.com/MrWong99/cadence/pkg/types"
)

// Stage names a measured segment of a pipeline turn.
type Stage string

const (
	// StageRecognition is the delay between the speaker's last speech
	// evidence and the pipeline receiving the finalized utterance.
	StageRecognition Stage = "recognition_finalize"

	// StageTurnWait is the end-of-turn wait before the pre-check. It is a
	// deliberate turn-taking delay and not charged against the budget.
	StageTurnWait Stage = "turn_wait"

	// StageReasoningFirstToken runs from the opened response window to the
	// first reasoning token.
	StageReasoningFirstToken Stage = "reasoning_first_token"

	// StageSynthesisFirstByte runs from the first sentence handed to
	// synthesis to the first audio byte.
	StageSynthesisFirstByte Stage = "synthesis_first_byte"

	// StageAvatarDispatch runs from the first audio byte to its hand-off to
	// the avatar sink.
	StageAvatarDispatch Stage = "avatar_dispatch"

	// StageResponse is the agent-attributable response latency: from the
	// opened response window to the first audio dispatched (or, for turns
	// that never produced audio, to the first reasoning token).
	StageResponse Stage = "response"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageRecognition,
	StageTurnWait,
	StageReasoningFirstToken,
	StageSynthesisFirstByte,
	StageAvatarDispatch,
	StageResponse,
}

// Budget is the latency budget for one turn.
type Budget struct {
	// Total is the end-to-end response budget.
	Total time.Duration

	// Recognition is the sub-budget for recognition finalization.
	Recognition time.Duration

	// ReasoningFirstToken is the sub-budget for the first reasoning token.
	ReasoningFirstToken time.Duration

	// SynthesisFirstByte is the sub-budget for the first synthesized byte.
	SynthesisFirstByte time.Duration
}

// DefaultBudget returns the standard 1s budget split 200/500/300.
func DefaultBudget() Budget {
	return Budget{
		Total:               1000 * time.Millisecond,
		Recognition:         200 * time.Millisecond,
		ReasoningFirstToken: 500 * time.Millisecond,
		SynthesisFirstByte:  300 * time.Millisecond,
	}
}

// Validate checks that the sub-budgets fit inside the total.
func (b Budget) Validate() error {
	if b.Total <= 0 {
		return fmt.Errorf("latency: total budget must be positive, got %v", b.Total)
	}
	if sum := b.Recognition + b.ReasoningFirstToken + b.SynthesisFirstByte; sum > b.Total {
		return fmt.Errorf("latency: sub-budgets sum to %v which exceeds the total budget %v", sum, b.Total)
	}
	return nil
}

// Limit returns the budget for stage, or zero if the stage has none.
func (b Budget) Limit(s Stage) time.Duration {
	switch s {
	case StageRecognition:
		return b.Recognition
	case StageReasoningFirstToken:
		return b.ReasoningFirstToken
	case StageSynthesisFirstByte:
		return b.SynthesisFirstByte
	case StageResponse:
		return b.Total
	default:
		return 0
	}
}

// Outcome is the terminal result of a turn.
type Outcome string

const (
	OutcomeSpoken     Outcome = "spoken"
	OutcomeDegraded   Outcome = "degraded"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
)

// Sample is the telemetry record of one turn.
type Sample struct {
	TurnID    string
	SessionID string
	Speaker   types.SpeakerID
	Outcome   Outcome

	// Tier is the reasoning tier that served the turn, if any.
	Tier string

	// Gate names the refusing silence gate for suppressed turns.
	Gate string

	// Err is the failure description for failed turns.
	Err string

	// Stages holds the measured stage latencies. Stages that were never
	// reached are absent.
	Stages map[Stage]time.Duration

	// TimedOut reports whether a stage timeout ended the turn.
	TimedOut bool

	// OverBudget reports whether the turn counted as a budget overrun.
	OverBudget bool

	// Degraded reports whether degraded mode was active after this turn.
	Degraded bool

	StartedAt time.Time
}
