package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LogEntry is one structured telemetry event awaiting acknowledgment by the
// collector. ID is the local sequence id assigned on insert.
type LogEntry struct {
	ID           int64          `json:"localSequenceId"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"type"`
	ExperimentID string         `json:"experimentId"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// InsertLogEntry persists entry and returns its local sequence id. Ids come
// from an AUTOINCREMENT column and are never reused.
func (s *Store) InsertLogEntry(ctx context.Context, entry LogEntry) (int64, error) {
	payload := []byte("{}")
	if len(entry.Payload) > 0 {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal log payload: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO log_entries(timestamp_ms, entry_type, experiment_id, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)
`, entry.Timestamp.UnixMilli(), entry.Type, entry.ExperimentID, string(payload), ts(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("insert log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read log entry id: %w", err)
	}
	return id, nil
}

// PendingLogEntries returns every unacknowledged entry ordered by timestamp,
// then by local sequence id.
func (s *Store) PendingLogEntries(ctx context.Context) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp_ms, entry_type, experiment_id, payload_json
FROM log_entries
ORDER BY timestamp_ms ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query log entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []LogEntry
	for rows.Next() {
		var (
			entry   LogEntry
			tsMs    int64
			payload string
		)
		if err := rows.Scan(&entry.ID, &tsMs, &entry.Type, &entry.ExperimentID, &payload); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry.Timestamp = time.UnixMilli(tsMs).UTC()
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of log entry %d: %w", entry.ID, err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

// DeleteLogEntries removes the given ids. Deleting ids that are already gone
// is not an error, so overlapping flushes are harmless.
func (s *Store) DeleteLogEntries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := idArgs(ids)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_entries WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete log entries: %w", err)
	}
	return nil
}

// AcknowledgeLogEntries deletes delivered entries and adds the rows it
// actually removed to the experiment's delivered count. It returns that
// number, which is zero when another process acknowledged them first.
func (s *Store) AcknowledgeLogEntries(ctx context.Context, experimentID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders, args := idArgs(ids)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin acknowledge tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM log_entries WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete acknowledged entries: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count acknowledged entries: %w", err)
	}
	if removed > 0 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO log_delivery_counts(experiment_id, delivered, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(experiment_id) DO UPDATE SET
	delivered = delivered + excluded.delivered,
	updated_at = excluded.updated_at
`, experimentID, removed, ts(time.Now())); err != nil {
			return 0, fmt.Errorf("update delivered count: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit acknowledge tx: %w", err)
	}
	return int(removed), nil
}

// DeliveredCount returns how many of the experiment's entries the collector
// has acknowledged since the count was last reset
func (s *Store) DeliveredCount(ctx context.Context, experimentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT delivered FROM log_delivery_counts WHERE experiment_id = ?`, experimentID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read delivered count: %w", err)
	}
	return n, nil
}

func (s *Store) ResetDeliveredCount(ctx context.Context, experimentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_delivery_counts WHERE experiment_id = ?`, experimentID); err != nil {
		return fmt.Errorf("reset delivered count: %w", err)
	}
	return nil
}

// ClearLogEntries removes every entry and every delivered count
func (s *Store) ClearLogEntries(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_entries`); err != nil {
		return fmt.Errorf("clear log entries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM log_delivery_counts`); err != nil {
		return fmt.Errorf("clear delivered counts: %w", err)
	}
	return nil
}

func (s *Store) CountLogEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return n, nil
}

func idArgs(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
