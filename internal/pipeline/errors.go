package pipeline

import (
	"errors"
	"fmt"

	"github.com/MrWong99/cadence/internal/latency"
)

// Sentinel errors for turn outcomes. Every failed or suppressed [Turn] carries
// an error that unwraps to exactly one of these.
var (
	// ErrTimeout means a stage exceeded its timeout. The turn fails closed and
	// nothing is spoken.
	ErrTimeout = errors.New("pipeline: stage timed out")

	// ErrUpstreamUnavailable means a collaborator could not be reached. The
	// next turn falls back to the degraded tier.
	ErrUpstreamUnavailable = errors.New("pipeline: upstream unavailable")

	// ErrSilenceRefused marks a normal suppression by the silence gates.
	ErrSilenceRefused = errors.New("pipeline: silence refused")

	// ErrMalformedConfidence marks an unparsable confidence marker. The turn
	// continues with confidence 0, which fails the confidence gate.
	ErrMalformedConfidence = errors.New("pipeline: malformed confidence signal")

	// ErrTurnCanceled means the turn was superseded or its session ended.
	ErrTurnCanceled = errors.New("pipeline: turn canceled")
)

// StageError attributes a turn error to the pipeline stage where it occurred.
type StageError struct {
	Stage latency.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage latency.Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}
