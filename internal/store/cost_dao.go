package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edallison777/hypermage-vr-sub001/internal/cost"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// CostRecordDAO provides database operations for the append-only cost log.
type CostRecordDAO interface {
	// Append stores one cost record
	Append(ctx context.Context, rec cost.Record) error

	// ListByPolicy retrieves all records charged against a policy
	ListByPolicy(ctx context.Context, policyID types.ID) ([]cost.Record, error)

	// TotalByPolicy sums all recorded amounts for a policy
	TotalByPolicy(ctx context.Context, policyID types.ID) (float64, error)
}

// costRecordDAO implements CostRecordDAO
type costRecordDAO struct {
	db *DB
}

// NewCostRecordDAO creates a new cost record DAO
func NewCostRecordDAO(db *DB) CostRecordDAO {
	return &costRecordDAO{db: db}
}

// Append stores one cost record
func (d *costRecordDAO) Append(ctx context.Context, rec cost.Record) error {
	var tagsJSON []byte
	var err error
	if rec.Tags != nil {
		tagsJSON, err = json.Marshal(rec.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal cost record tags: %w", err)
		}
	}

	query := `
		INSERT INTO cost_records (
			id, budget_policy_id, category, service, operation,
			amount, currency, resource_id, tags, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = d.db.conn.ExecContext(
		ctx, query,
		rec.ID,
		rec.BudgetPolicyID,
		rec.Category,
		nullString(rec.Service),
		rec.Operation,
		rec.Amount,
		rec.Currency,
		nullString(rec.ResourceID),
		nullString(string(tagsJSON)),
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append cost record: %w", err)
	}
	return nil
}

// ListByPolicy retrieves all records charged against a policy
func (d *costRecordDAO) ListByPolicy(ctx context.Context, policyID types.ID) ([]cost.Record, error) {
	query := `
		SELECT id, budget_policy_id, category, COALESCE(service, ''), operation,
		       amount, currency, COALESCE(resource_id, ''), COALESCE(tags, ''), recorded_at
		FROM cost_records WHERE budget_policy_id = ? ORDER BY recorded_at
	`

	rows, err := d.db.conn.QueryContext(ctx, query, policyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost records: %w", err)
	}
	defer rows.Close()

	var records []cost.Record
	for rows.Next() {
		var rec cost.Record
		var tagsJSON string
		err := rows.Scan(
			&rec.ID,
			&rec.BudgetPolicyID,
			&rec.Category,
			&rec.Service,
			&rec.Operation,
			&rec.Amount,
			&rec.Currency,
			&rec.ResourceID,
			&tagsJSON,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal cost record tags: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalByPolicy sums all recorded amounts for a policy
func (d *costRecordDAO) TotalByPolicy(ctx context.Context, policyID types.ID) (float64, error) {
	var total float64
	err := d.db.conn.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM cost_records WHERE budget_policy_id = ?", policyID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total cost records: %w", err)
	}
	return total, nil
}

// CostSink adapts a CostRecordDAO to the enforcer's sink interface.
type CostSink struct {
	dao CostRecordDAO
}

// NewCostSink creates a sink that persists cost records through the DAO.
func NewCostSink(dao CostRecordDAO) *CostSink {
	return &CostSink{dao: dao}
}

// AppendCostRecord persists the record.
func (s *CostSink) AppendCostRecord(rec cost.Record) error {
	return s.dao.Append(context.Background(), rec)
}
