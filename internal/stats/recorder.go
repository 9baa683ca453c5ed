// Package stats writes per-run usage accounting to postgres. Recording is
// best effort and never blocks or fails a relay exchange.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatrelay/chatrelay/internal/backend"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS usage_stats (
	id            BIGSERIAL PRIMARY KEY,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	session_key   TEXT NOT NULL,
	sender_id     TEXT NOT NULL,
	platform      TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	latency_ms    BIGINT NOT NULL,
	failed        BOOLEAN NOT NULL
)`

const insertSQL = `
INSERT INTO usage_stats
	(session_key, sender_id, platform, model, input_tokens, output_tokens, latency_ms, failed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// Entry is one recorded exchange.
type Entry struct {
	SessionKey string
	SenderID   string
	Platform   string
	Usage      backend.Usage
	Failed     bool
}

// Recorder persists entries through a pgx pool. A nil pool turns every call
// into a no-op so deployments without postgres need no special casing.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRecorder ensures the usage table exists and returns the recorder. With a
// nil pool it returns a disabled recorder and no error.
func NewRecorder(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{pool: pool, logger: log.With(slog.String("component", "stats"))}
	if pool == nil {
		r.logger.Info("usage recording disabled, no postgres configured")
		return r, nil
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("ensure usage_stats table: %w", err)
	}
	return r, nil
}

// Record inserts one entry. Failures are logged, never returned, so a flaky
// database cannot degrade the relay path.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r.pool == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.pool.Exec(ctx, insertSQL,
		e.SessionKey, e.SenderID, e.Platform, e.Usage.Model,
		e.Usage.InputTokens, e.Usage.OutputTokens, e.Usage.LatencyMs, e.Failed)
	if err != nil {
		r.logger.Warn("usage insert failed",
			slog.String("session_key", e.SessionKey),
			slog.String("error", err.Error()))
	}
}
