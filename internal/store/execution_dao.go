package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/edallison777/hypermage-vr-sub001/internal/executor"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// ExecutionDAO provides database operations for execution snapshots.
// Snapshots are upserted at every state transition, so the stored row is
// always the most recent view of the execution.
type ExecutionDAO interface {
	// Save upserts an execution snapshot
	Save(ctx context.Context, snap executor.Snapshot) error

	// GetByID retrieves the latest snapshot of an execution
	GetByID(ctx context.Context, id types.ID) (executor.Snapshot, error)

	// ListByPlan retrieves all execution snapshots for a plan
	ListByPlan(ctx context.Context, planID types.ID) ([]executor.Snapshot, error)
}

// executionDAO implements ExecutionDAO
type executionDAO struct {
	db *DB
}

// NewExecutionDAO creates a new execution DAO
func NewExecutionDAO(db *DB) ExecutionDAO {
	return &executionDAO{db: db}
}

// Save upserts an execution snapshot
func (d *executionDAO) Save(ctx context.Context, snap executor.Snapshot) error {
	snapshotJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal execution snapshot: %w", err)
	}

	query := `
		INSERT INTO executions (id, plan_id, status, snapshot, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			snapshot = excluded.snapshot,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = d.db.conn.ExecContext(
		ctx, query,
		snap.ID,
		snap.PlanID,
		snap.Status,
		string(snapshotJSON),
		nullString(snap.ErrorText),
		snap.StartedAt,
		snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution snapshot: %w", err)
	}
	return nil
}

// GetByID retrieves the latest snapshot of an execution
func (d *executionDAO) GetByID(ctx context.Context, id types.ID) (executor.Snapshot, error) {
	var snapshotJSON string
	err := d.db.conn.QueryRowContext(ctx,
		"SELECT snapshot FROM executions WHERE id = ?", id,
	).Scan(&snapshotJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return executor.Snapshot{}, types.NewError(types.NOT_FOUND, "execution not found: "+id.String())
		}
		return executor.Snapshot{}, fmt.Errorf("failed to get execution: %w", err)
	}

	return unmarshalSnapshot(snapshotJSON)
}

// ListByPlan retrieves all execution snapshots for a plan
func (d *executionDAO) ListByPlan(ctx context.Context, planID types.ID) ([]executor.Snapshot, error) {
	rows, err := d.db.conn.QueryContext(ctx,
		"SELECT snapshot FROM executions WHERE plan_id = ? ORDER BY started_at", planID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var snaps []executor.Snapshot
	for rows.Next() {
		var snapshotJSON string
		if err := rows.Scan(&snapshotJSON); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		snap, err := unmarshalSnapshot(snapshotJSON)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func unmarshalSnapshot(snapshotJSON string) (executor.Snapshot, error) {
	var snap executor.Snapshot
	if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
		return executor.Snapshot{}, fmt.Errorf("failed to unmarshal execution snapshot: %w", err)
	}
	return snap, nil
}

// SnapshotSink adapts an ExecutionDAO to the executor's sink interface.
type SnapshotSink struct {
	dao ExecutionDAO
}

// NewSnapshotSink creates a sink that persists snapshots through the DAO.
func NewSnapshotSink(dao ExecutionDAO) *SnapshotSink {
	return &SnapshotSink{dao: dao}
}

// SaveExecution persists the snapshot.
func (s *SnapshotSink) SaveExecution(snap executor.Snapshot) error {
	return s.dao.Save(context.Background(), snap)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
