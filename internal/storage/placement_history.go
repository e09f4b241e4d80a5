package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/model"
)

const placementSchema = `
	CREATE TABLE IF NOT EXISTS placement_history (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_placement_history_worker_id ON placement_history(worker_id);
	CREATE INDEX IF NOT EXISTS idx_placement_history_task_type ON placement_history(task_type);
	CREATE INDEX IF NOT EXISTS idx_placement_history_started_at ON placement_history(started_at);
`

// PlacementFilter narrows List results. Empty fields match everything.
type PlacementFilter struct {
	WorkerID string
	TaskType string
	Status   model.PlacementStatus
}

func (f PlacementFilter) where() (string, []interface{}) {
	clause := ""
	args := make([]interface{}, 0, 3)
	add := func(column string, value string) {
		if value == "" {
			return
		}
		if clause == "" {
			clause = " WHERE"
		} else {
			clause += " AND"
		}
		clause += " " + column + " = ?"
		args = append(args, value)
	}
	add("worker_id", f.WorkerID)
	add("task_type", f.TaskType)
	add("status", string(f.Status))
	return clause, args
}

// PlacementHistory keeps balancer decisions in SQLite
type PlacementHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewPlacementHistory opens the placement history database at dbPath
func NewPlacementHistory(logger *zap.Logger, dbPath string) (*PlacementHistory, error) {
	db, err := openSQLite(dbPath, placementSchema)
	if err != nil {
		return nil, err
	}
	return &PlacementHistory{
		logger: logger.Named("placement-history"),
		db:     db,
	}, nil
}

// Store inserts a new placement record
func (s *PlacementHistory) Store(ctx context.Context, record *model.PlacementRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placement_history (
			id, task_type, worker_id, status, started_at
		) VALUES (?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskType,
		record.WorkerID,
		record.Status,
		record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store placement: %w", err)
	}
	return nil
}

// Complete marks a placement as finished and records its duration
func (s *PlacementHistory) Complete(ctx context.Context, id string, completedAt time.Time) error {
	var startedAt time.Time
	err := s.db.QueryRowContext(ctx, "SELECT started_at FROM placement_history WHERE id = ?", id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: placement %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read placement: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE placement_history SET
			status = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		model.PlacementStatusCompleted,
		completedAt.UTC(),
		int64(completedAt.Sub(startedAt)),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete placement: %w", err)
	}
	return nil
}

// Get returns one placement record
func (s *PlacementHistory) Get(ctx context.Context, id string) (model.PlacementRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_type, worker_id, status, started_at, completed_at, duration
		FROM placement_history
		WHERE id = ?`, id)

	record, err := scanPlacement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PlacementRecord{}, fmt.Errorf("%w: placement %s", ErrNotFound, id)
	}
	if err != nil {
		return model.PlacementRecord{}, fmt.Errorf("failed to scan placement: %w", err)
	}
	return record, nil
}

// List returns placements newest first
func (s *PlacementHistory) List(ctx context.Context, filter PlacementFilter, offset, limit int) ([]model.PlacementRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	where, args := filter.where()
	query := "SELECT id, task_type, worker_id, status, started_at, completed_at, duration FROM placement_history" +
		where + " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list placements: %w", err)
	}
	defer rows.Close()

	records := make([]model.PlacementRecord, 0)
	for rows.Next() {
		record, err := scanPlacement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan placement: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count returns the number of placements matching filter
func (s *PlacementHistory) Count(ctx context.Context, filter PlacementFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM placement_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count placements: %w", err)
	}
	return count, nil
}

// DeleteBefore removes placements started before the given time
func (s *PlacementHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM placement_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete placements: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old placement records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *PlacementHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlacement(row rowScanner) (model.PlacementRecord, error) {
	var record model.PlacementRecord
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&record.ID,
		&record.TaskType,
		&record.WorkerID,
		&record.Status,
		&record.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return record, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		record.CompletedAt = &t
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return record, nil
}
