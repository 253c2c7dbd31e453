// Package postgres stores per-turn latency samples in PostgreSQL.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	exporter := telemetry.NewAsync(store)
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadence/internal/latency"
	"github.com/MrWong99/cadence/internal/telemetry"
	"github.com/MrWong99/cadence/pkg/types"
)

const ddlTurnSamples = `
CREATE TABLE IF NOT EXISTS turn_samples (
    turn_id      TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    speaker_id   TEXT         NOT NULL DEFAULT '',
    outcome      TEXT         NOT NULL,
    tier         TEXT         NOT NULL DEFAULT '',
    gate         TEXT         NOT NULL DEFAULT '',
    error        TEXT         NOT NULL DEFAULT '',
    timed_out    BOOLEAN      NOT NULL DEFAULT false,
    over_budget  BOOLEAN      NOT NULL DEFAULT false,
    degraded     BOOLEAN      NOT NULL DEFAULT false,
    stages_ns    JSONB        NOT NULL DEFAULT '{}',
    started_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    recorded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_samples_session_started
    ON turn_samples (session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_turn_samples_outcome
    ON turn_samples (outcome);
`

// Migrate creates the sample table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurnSamples); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store is a [telemetry.Store] backed by a [pgxpool.Pool]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks database connectivity. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteSamples inserts samples in one batch. A sample whose turn ID already
// exists is ignored.
func (s *Store) WriteSamples(ctx context.Context, samples []latency.Sample) error {
	const q = `
		INSERT INTO turn_samples
		    (turn_id, session_id, speaker_id, outcome, tier, gate, error,
		     timed_out, over_budget, degraded, stages_ns, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (turn_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, sm := range samples {
		stages, err := encodeStages(sm.Stages)
		if err != nil {
			return fmt.Errorf("telemetry store: encode stages: %w", err)
		}
		started := sm.StartedAt
		if started.IsZero() {
			started = time.Now()
		}
		batch.Queue(q,
			sm.TurnID,
			sm.SessionID,
			string(sm.Speaker),
			string(sm.Outcome),
			sm.Tier,
			sm.Gate,
			sm.Err,
			sm.TimedOut,
			sm.OverBudget,
			sm.Degraded,
			stages,
			started,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("telemetry store: write samples: %w", err)
	}
	return nil
}

// Recent returns up to limit samples for sessionID, newest first.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]latency.Sample, error) {
	const q = `
		SELECT turn_id, session_id, speaker_id, outcome, tier, gate, error,
		       timed_out, over_budget, degraded, stages_ns, started_at
		FROM   turn_samples
		WHERE  session_id = $1
		ORDER  BY started_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry store: recent: %w", err)
	}
	defer rows.Close()

	var out []latency.Sample
	for rows.Next() {
		var (
			sm      latency.Sample
			speaker string
			outcome string
			stages  []byte
		)
		if err := rows.Scan(
			&sm.TurnID, &sm.SessionID, &speaker, &outcome, &sm.Tier, &sm.Gate, &sm.Err,
			&sm.TimedOut, &sm.OverBudget, &sm.Degraded, &stages, &sm.StartedAt,
		); err != nil {
			return nil, fmt.Errorf("telemetry store: scan: %w", err)
		}
		sm.Speaker = types.SpeakerID(speaker)
		sm.Outcome = latency.Outcome(outcome)
		if sm.Stages, err = decodeStages(stages); err != nil {
			return nil, fmt.Errorf("telemetry store: decode stages: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("telemetry store: recent: %w", err)
	}
	return out, nil
}

// encodeStages serialises stage durations as a JSON object of nanoseconds.
func encodeStages(stages map[latency.Stage]time.Duration) (string, error) {
	ns := make(map[string]int64, len(stages))
	for st, d := range stages {
		ns[string(st)] = d.Nanoseconds()
	}
	b, err := json.Marshal(ns)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeStages(data []byte) (map[latency.Stage]time.Duration, error) {
	var ns map[string]int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return nil, err
	}
	out := make(map[latency.Stage]time.Duration, len(ns))
	for st, n := range ns {
		out[latency.Stage(st)] = time.Duration(n)
	}
	return out, nil
}

// Compile-time interface check.
var _ telemetry.Store = (*Store)(nil)
