package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS experiment_logs (
  id                BIGSERIAL PRIMARY KEY,
  experiment_id     TEXT        NOT NULL,
  local_sequence_id BIGINT,
  log_type          TEXT        NOT NULL DEFAULT '',
  logged_at         TIMESTAMPTZ,
  payload           JSONB       NOT NULL,
  received_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_experiment_logs_experiment ON experiment_logs (experiment_id, logged_at);

CREATE TABLE IF NOT EXISTS experiment_finalizations (
  experiment_id TEXT PRIMARY KEY,
  total_logs    INTEGER     NOT NULL,
  finalized_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresSink stores collector batches in Postgres. Entries are not
// deduplicated; a redelivered batch is stored twice.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// EnsureSchema creates the sink tables if they do not exist
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create collector schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) StoreBatch(ctx context.Context, experimentID string, logs []map[string]any) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range logs {
		entryType, _ := entry["type"].(string)
		batch.Queue(`
            INSERT INTO experiment_logs (
              experiment_id, local_sequence_id, log_type, logged_at, payload
            ) VALUES ($1,$2,$3,$4,$5)
        `, experimentID, int64Field(entry, "localSequenceId"), entryType, timeField(entry, "timestamp"), entry)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to store log batch: %w", err)
	}

	log.Debug().Str("experiment_id", experimentID).Int("logs", len(logs)).Msg("stored log batch")
	return nil
}

func (s *PostgresSink) Finalize(ctx context.Context, experimentID string, totalLogs int) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO experiment_finalizations (experiment_id, total_logs)
        VALUES ($1,$2)
        ON CONFLICT (experiment_id) DO UPDATE
          SET total_logs = EXCLUDED.total_logs, finalized_at = now()
    `, experimentID, totalLogs)
	if err != nil {
		return fmt.Errorf("failed to finalize experiment %s: %w", experimentID, err)
	}
	return nil
}

// int64Field reads a numeric field decoded from JSON
func int64Field(entry map[string]any, key string) *int64 {
	var v int64
	switch n := entry[key].(type) {
	case float64:
		v = int64(n)
	case int64:
		v = n
	case int:
		v = int64(n)
	default:
		return nil
	}
	return &v
}

func timeField(entry map[string]any, key string) *time.Time {
	ms := int64Field(entry, key)
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
