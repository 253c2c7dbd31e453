package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/pipeline"
	"github.com/MrWong99/cadence/internal/roster"
	"github.com/MrWong99/cadence/internal/session"
	"github.com/MrWong99/cadence/internal/silence"
	"github.com/MrWong99/cadence/internal/turn"
	"github.com/MrWong99/cadence/pkg/provider/llm"
	"github.com/MrWong99/cadence/pkg/types"
)

// newSession is the [session.Factory] of the manager. Each call gets its own
// detector, roster, checker, latency metrics and avatar sink; the reasoning
// and synthesis collaborators are shared.
func (a *App) newSession(_ context.Context, id string) (*session.Session, error) {
	cfg := a.cfg
	hot := a.hotSettings()

	det := turn.New(
		turn.WithClock(a.now),
		turn.WithThresholds(hot.turn.EndOfTurn(), hot.turn.ThinkingPause()),
	)
	ros := a.newRoster()
	chk := silence.New(det, ros, silence.WithThreshold(hot.threshold))

	lc := cfg.Latency
	metricOpts := []latency.MetricsOption{
		latency.WithInstruments(a.inst),
		latency.WithDegradation(latency.NewDegradation(lc.DegradationTriggerCount, lc.RecoveryCount)),
	}
	if lc.Window > 0 {
		metricOpts = append(metricOpts, latency.WithWindow(lc.Window))
	}

	sink, err := a.providers.Avatar(id)
	if err != nil {
		return nil, fmt.Errorf("app: session %s: avatar: %w", id, err)
	}

	var fastest llm.Provider
	if a.fastest != nil {
		fastest = a.fastest
	}
	pipe, err := pipeline.New(pipeline.Config{
		SessionID:            id,
		SystemPrompt:         cfg.Agent.SystemPrompt,
		DegradedSystemPrompt: cfg.Agent.DegradedSystemPrompt,
		Voice:                cfg.Agent.Voice.Profile(a.providers.SynthesisName),
		SilenceMarker:        cfg.Agent.SilenceMarker,
		MaxTokens:            cfg.Agent.MaxTokens,
		Temperature:          cfg.Agent.Temperature,
		FirstTokenTimeout:    lc.FirstTokenTimeout(),
		FirstByteTimeout:     lc.FirstByteTimeout(),
		ContextTurns:         lc.ContextTurns,
		DegradedContextTurns: lc.DegradedContextTurns,
		ContextMaxAge:        lc.ContextMaxAge(),
	}, pipeline.Deps{
		Detector:    det,
		Checker:     chk,
		Fast:        a.fast,
		Fastest:     fastest,
		Synth:       a.synth,
		Avatar:      sink,
		Metrics:     latency.NewMetrics(lc.Budget(), metricOpts...),
		Telemetry:   a.telemetry,
		Instruments: a.inst,
	})
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("app: session %s: %w", id, err)
	}

	log := slog.With("session_id", id)
	s, err := session.New(session.Config{
		ID:          id,
		Pipeline:    pipe,
		Detector:    det,
		Roster:      ros,
		Checker:     chk,
		Instruments: a.inst,
		OnTurn: func(t *pipeline.Turn) {
			attrs := []any{"turn_id", t.ID, "speaker", t.Speaker, "outcome", t.Outcome, "tier", t.Tier}
			if t.Err != nil {
				attrs = append(attrs, "err", t.Err)
			}
			log.Debug("turn finished", attrs...)
		},
		Closers: []func() error{sink.Close},
	})
	if err != nil {
		_ = sink.Close()
		return nil, err
	}
	log.Info("session opened")
	return s, nil
}

// newRoster seeds a roster from the participants config. The agent's own
// speaker ID is always registered as the agent.
func (a *App) newRoster() *roster.Roster {
	pc := a.cfg.Participants
	r := roster.New(pc.DefaultRole)
	for _, id := range pc.Internal {
		r.Set(types.SpeakerID(id), types.RoleInternal)
	}
	for _, id := range pc.External {
		r.Set(types.SpeakerID(id), types.RoleExternal)
	}
	if id := a.cfg.Agent.SpeakerID; id != "" {
		r.Set(types.SpeakerID(id), types.RoleAgent)
	}
	return r
}
