// Package silence implements the strategic-silence gates that decide whether
// the agent may speak.
//
// Three gates are evaluated in order and the first refusal wins:
//
//  1. Turn-taking: the triggering speaker must be at end of turn.
//  2. Peer priority: no internal participant may be actively speaking.
//  3. Confidence: the reasoning stream's confidence must reach the threshold.
//
// The [Checker] fails closed: missing data, an unknown role or a panicking
// collaborator all count as a refusal.
package silence

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/cadence/internal/turn"
	"github.com/MrWong99/cadence/pkg/types"
)

// DefaultConfidenceThreshold is the minimum confidence required to speak.
const DefaultConfidenceThreshold = 0.7

// Gate identifies which check refused a response.
type Gate int

const (
	// GateNone means no gate refused.
	GateNone Gate = iota
	// GateInput means the request itself was unusable (empty speaker, NaN
	// confidence, collaborator panic).
	GateInput
	// GateTurnTaking is gate 1.
	GateTurnTaking
	// GatePeerPriority is gate 2.
	GatePeerPriority
	// GateConfidence is gate 3.
	GateConfidence
)

// String returns the gate's metric/log label.
func (g Gate) String() string {
	switch g {
	case GateNone:
		return "none"
	case GateInput:
		return "input"
	case GateTurnTaking:
		return "turn_taking"
	case GatePeerPriority:
		return "peer_priority"
	case GateConfidence:
		return "confidence"
	default:
		return "unknown"
	}
}

// TurnView is the read-only view of speaker activity the gates need.
// [*turn.Detector] satisfies it.
type TurnView interface {
	Now() time.Time
	PauseType(speaker types.SpeakerID, now time.Time) turn.PauseType
	ActiveSpeakers(now time.Time) []types.SpeakerID
}

// RoleResolver resolves participant roles. [*roster.Roster] satisfies it.
type RoleResolver interface {
	Role(speaker types.SpeakerID) (types.Role, bool)
}

// Decision is the outcome of a gate evaluation.
type Decision struct {
	// Allowed is true when every evaluated gate passed.
	Allowed bool

	// Gate is the refusing gate, or [GateNone].
	Gate Gate

	// Reason is a short human-readable explanation of a refusal.
	Reason string

	// Confidence is the confidence value that was evaluated.
	Confidence float64
}

// Checker evaluates the silence gates. Apart from its threshold it holds no
// mutable state; it is safe for concurrent use.
type Checker struct {
	turns     TurnView
	roles     RoleResolver
	threshold atomic.Uint64
}

// Option configures a [Checker].
type Option func(*Checker)

// WithThreshold sets the confidence threshold.
func WithThreshold(v float64) Option {
	return func(c *Checker) { c.SetThreshold(v) }
}

// New creates a Checker reading activity from turns and roles from roles.
func New(turns TurnView, roles RoleResolver, opts ...Option) *Checker {
	c := &Checker{turns: turns, roles: roles}
	c.threshold.Store(math.Float64bits(DefaultConfidenceThreshold))
	for _, o := range opts {
		o(c)
	}
	return c
}

// Threshold returns the current confidence threshold.
func (c *Checker) Threshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

// SetThreshold replaces the confidence threshold. Values outside [0, 1] are
// clamped.
func (c *Checker) SetThreshold(v float64) {
	if math.IsNaN(v) {
		return
	}
	c.threshold.Store(math.Float64bits(min(max(v, 0), 1)))
}

// ShouldRespond evaluates all three gates for the given active speaker set
// and confidence at the current time.
func (c *Checker) ShouldRespond(transcript string, speaker types.SpeakerID, active []types.SpeakerID, confidence float64) bool {
	return c.Evaluate(transcript, speaker, active, confidence, c.turns.Now()).Allowed
}

// PreCheck runs gates 1 and 2 with an assumed confidence of 1.0 against the
// latest active-speaker snapshot.
func (c *Checker) PreCheck(transcript string, speaker types.SpeakerID) Decision {
	now := c.turns.Now()
	return c.evaluate(transcript, speaker, c.turns.ActiveSpeakers(now), 1.0, now, false)
}

// PostCheck runs all three gates with the reasoning stream's confidence
// against the latest active-speaker snapshot.
func (c *Checker) PostCheck(transcript string, speaker types.SpeakerID, confidence float64) Decision {
	now := c.turns.Now()
	return c.evaluate(transcript, speaker, c.turns.ActiveSpeakers(now), confidence, now, true)
}

// Evaluate runs all three gates at now.
func (c *Checker) Evaluate(transcript string, speaker types.SpeakerID, active []types.SpeakerID, confidence float64, now time.Time) Decision {
	return c.evaluate(transcript, speaker, active, confidence, now, true)
}

func (c *Checker) evaluate(transcript string, speaker types.SpeakerID, active []types.SpeakerID, confidence float64, now time.Time, withConfidence bool) (d Decision) {
	d.Confidence = confidence
	defer func() {
		if r := recover(); r != nil {
			slog.Error("silence: gate evaluation panicked", "speaker", speaker, "panic", r)
			d = refuse(GateInput, fmt.Sprintf("gate evaluation panicked: %v", r), confidence)
		}
	}()

	if speaker == "" {
		return refuse(GateInput, "missing speaker", confidence)
	}
	if strings.TrimSpace(transcript) == "" {
		return refuse(GateInput, "empty transcript", confidence)
	}

	// Gate 1: turn-taking.
	if pt := c.turns.PauseType(speaker, now); pt != turn.EndOfTurn {
		return refuse(GateTurnTaking, fmt.Sprintf("speaker %s is %s", speaker, pt), confidence)
	}

	// Gate 2: peer priority.
	for _, id := range active {
		role, ok := c.roles.Role(id)
		if !ok {
			return refuse(GatePeerPriority, fmt.Sprintf("active speaker %s has no known role", id), confidence)
		}
		if role == types.RoleInternal {
			return refuse(GatePeerPriority, fmt.Sprintf("internal speaker %s is active", id), confidence)
		}
	}

	// Gate 3: confidence.
	if withConfidence {
		if math.IsNaN(confidence) {
			return refuse(GateInput, "confidence is NaN", confidence)
		}
		if threshold := c.Threshold(); confidence < threshold {
			return refuse(GateConfidence, fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, threshold), confidence)
		}
	}

	return Decision{Allowed: true, Gate: GateNone, Confidence: confidence}
}

func refuse(g Gate, reason string, confidence float64) Decision {
	return Decision{Allowed: false, Gate: g, Reason: reason, Confidence: confidence}
}
