package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karakuri/internal/scheduler"
)

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at   TIMESTAMP NOT NULL,
	duration_ms  INTEGER NOT NULL,
	max_workers  INTEGER NOT NULL,
	fallback     INTEGER NOT NULL,
	task_count   INTEGER NOT NULL,
	succeeded    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS task_results (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id     INTEGER NOT NULL REFERENCES batches(id),
	task_id      TEXT NOT NULL,
	kind         TEXT NOT NULL,
	success      INTEGER NOT NULL,
	error        TEXT,
	started_at   TIMESTAMP NOT NULL,
	duration_ms  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_results_batch ON task_results(batch_id);
CREATE INDEX IF NOT EXISTS idx_batches_started ON batches(started_at);
`

// Journal persists batch outcomes to SQLite for post-hoc analysis.
// It implements scheduler.BatchJournal. Journaling is best-effort:
// errors are returned for the caller to log, never escalated.
type Journal struct {
	logger *zap.Logger
	db     *sql.DB
}

// OpenJournal opens (and if needed creates) the journal database
func OpenJournal(logger *zap.Logger, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// Single writer is plenty for batch-level journaling
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}

	logger.Info("Batch journal opened", zap.String("path", path))

	return &Journal{logger: logger, db: db}, nil
}

// RecordBatch writes one batch and its task results in a transaction
func (j *Journal) RecordBatch(ctx context.Context, record scheduler.BatchRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	succeeded := 0
	for _, r := range record.Results {
		if r.Success {
			succeeded++
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches (started_at, duration_ms, max_workers, fallback, task_count, succeeded)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.StartedAt,
		record.Duration.Milliseconds(),
		record.MaxWorkers,
		boolToInt(record.Fallback),
		len(record.Results),
		succeeded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	batchID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read batch id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO task_results (batch_id, task_id, kind, success, error, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range record.Results {
		if _, err := stmt.ExecContext(ctx,
			batchID, r.TaskID, r.Kind, boolToInt(r.Success), r.Error,
			r.StartedAt, r.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("failed to insert task result: %w", err)
		}
	}

	return tx.Commit()
}

// BatchSummary is one journaled batch row
type BatchSummary struct {
	ID         int64         `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	MaxWorkers int           `json:"max_workers"`
	Fallback   bool          `json:"fallback"`
	TaskCount  int           `json:"task_count"`
	Succeeded  int           `json:"succeeded"`
}

// RecentBatches returns the most recent journaled batches, newest first
func (j *Journal) RecentBatches(ctx context.Context, limit int) ([]BatchSummary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, max_workers, fallback, task_count, succeeded
		 FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []BatchSummary
	for rows.Next() {
		var b BatchSummary
		var durationMS int64
		var fallback int
		if err := rows.Scan(&b.ID, &b.StartedAt, &durationMS, &b.MaxWorkers, &fallback, &b.TaskCount, &b.Succeeded); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Duration = time.Duration(durationMS) * time.Millisecond
		b.Fallback = fallback != 0
		out = append(out, b)
	}

	return out, rows.Err()
}

// Close closes the journal database
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
