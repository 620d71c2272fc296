package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edallison777/hypermage-vr-sub001/internal/plan"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// PlanDAO provides database operations for execution plans
type PlanDAO interface {
	// Create persists a new plan
	Create(ctx context.Context, p *plan.ExecutionPlan) error

	// GetByID retrieves a plan by ID
	GetByID(ctx context.Context, id types.ID) (*plan.ExecutionPlan, error)

	// List lists all plans with an optional status filter
	List(ctx context.Context, status plan.Status) ([]*plan.ExecutionPlan, error)

	// UpdateStatus updates just the status of a plan
	UpdateStatus(ctx context.Context, id types.ID, status plan.Status) error

	// UpdateSteps replaces a plan's steps, for pre-approval modifications
	UpdateSteps(ctx context.Context, id types.ID, steps []plan.Step) error

	// Delete deletes a plan
	Delete(ctx context.Context, id types.ID) error
}

// planDAO implements PlanDAO
type planDAO struct {
	db *DB
}

// NewPlanDAO creates a new plan DAO
func NewPlanDAO(db *DB) PlanDAO {
	return &planDAO{db: db}
}

// Create persists a new plan
func (d *planDAO) Create(ctx context.Context, p *plan.ExecutionPlan) error {
	if p.ID.IsZero() {
		p.ID = types.NewID()
	}

	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal plan steps: %w", err)
	}

	query := `
		INSERT INTO plans (
			id, specification, environment, budget_policy_id, requested_by,
			status, steps, estimated_cost, estimated_duration_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`

	_, err = d.db.conn.ExecContext(
		ctx, query,
		p.ID,
		p.Specification,
		p.Context.Environment,
		p.Context.BudgetPolicyID,
		p.Context.RequestedBy,
		p.Status,
		string(stepsJSON),
		p.EstimatedCost,
		p.EstimatedDuration.Milliseconds(),
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

// GetByID retrieves a plan by ID
func (d *planDAO) GetByID(ctx context.Context, id types.ID) (*plan.ExecutionPlan, error) {
	query := `
		SELECT id, specification, environment, budget_policy_id, requested_by,
		       status, steps, estimated_cost, estimated_duration_ms, created_at
		FROM plans WHERE id = ?
	`

	p, err := scanPlan(d.db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NewError(types.NOT_FOUND, "plan not found: "+id.String())
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// List lists all plans with an optional status filter
func (d *planDAO) List(ctx context.Context, status plan.Status) ([]*plan.ExecutionPlan, error) {
	query := `
		SELECT id, specification, environment, budget_policy_id, requested_by,
		       status, steps, estimated_cost, estimated_duration_ms, created_at
		FROM plans
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := d.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*plan.ExecutionPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdateStatus updates just the status of a plan
func (d *planDAO) UpdateStatus(ctx context.Context, id types.ID, status plan.Status) error {
	result, err := d.db.conn.ExecContext(ctx,
		"UPDATE plans SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	return requireRowAffected(result, "plan", id)
}

// UpdateSteps replaces a plan's steps
func (d *planDAO) UpdateSteps(ctx context.Context, id types.ID, steps []plan.Step) error {
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal plan steps: %w", err)
	}

	result, err := d.db.conn.ExecContext(ctx,
		"UPDATE plans SET steps = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(stepsJSON), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan steps: %w", err)
	}
	return requireRowAffected(result, "plan", id)
}

// Delete deletes a plan
func (d *planDAO) Delete(ctx context.Context, id types.ID) error {
	result, err := d.db.conn.ExecContext(ctx, "DELETE FROM plans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	return requireRowAffected(result, "plan", id)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*plan.ExecutionPlan, error) {
	var p plan.ExecutionPlan
	var stepsJSON string
	var durationMS int64
	var budgetPolicyID, requestedBy sql.NullString

	err := row.Scan(
		&p.ID,
		&p.Specification,
		&p.Context.Environment,
		&budgetPolicyID,
		&requestedBy,
		&p.Status,
		&stepsJSON,
		&p.EstimatedCost,
		&durationMS,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if budgetPolicyID.Valid {
		p.Context.BudgetPolicyID = types.ID(budgetPolicyID.String)
	}
	if requestedBy.Valid {
		p.Context.RequestedBy = requestedBy.String
	}
	p.EstimatedDuration = time.Duration(durationMS) * time.Millisecond

	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan steps: %w", err)
	}
	return &p, nil
}

func requireRowAffected(result sql.Result, kind string, id types.ID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return types.NewError(types.NOT_FOUND, kind+" not found: "+id.String())
	}
	return nil
}
