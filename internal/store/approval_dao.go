package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/edallison777/hypermage-vr-sub001/internal/approval"
	"github.com/edallison777/hypermage-vr-sub001/internal/types"
)

// ApprovalDAO provides database operations for approval requests.
type ApprovalDAO interface {
	// Save upserts an approval request
	Save(ctx context.Context, req approval.Request) error

	// GetByID retrieves an approval request by ID
	GetByID(ctx context.Context, id types.ID) (approval.Request, error)

	// ListPending retrieves all pending approval requests
	ListPending(ctx context.Context) ([]approval.Request, error)
}

// approvalDAO implements ApprovalDAO
type approvalDAO struct {
	db *DB
}

// NewApprovalDAO creates a new approval DAO
func NewApprovalDAO(db *DB) ApprovalDAO {
	return &approvalDAO{db: db}
}

// Save upserts an approval request
func (d *approvalDAO) Save(ctx context.Context, req approval.Request) error {
	query := `
		INSERT INTO approval_requests (
			id, operation_type, description, estimated_cost, requested_by,
			requested_at, status, decided_by, decided_at, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at,
			reason = excluded.reason
	`

	_, err := d.db.conn.ExecContext(
		ctx, query,
		req.ID,
		req.OperationType,
		req.Description,
		req.EstimatedCost,
		nullString(req.RequestedBy),
		req.RequestedAt,
		req.Status,
		nullString(req.DecidedBy),
		req.DecidedAt,
		nullString(req.Reason),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

// GetByID retrieves an approval request by ID
func (d *approvalDAO) GetByID(ctx context.Context, id types.ID) (approval.Request, error) {
	query := `
		SELECT id, operation_type, COALESCE(description, ''), estimated_cost,
		       COALESCE(requested_by, ''), requested_at, status,
		       COALESCE(decided_by, ''), decided_at, COALESCE(reason, '')
		FROM approval_requests WHERE id = ?
	`

	req, err := scanApprovalRequest(d.db.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return approval.Request{}, types.NewError(types.NOT_FOUND, "approval request not found: "+id.String())
		}
		return approval.Request{}, fmt.Errorf("failed to get approval request: %w", err)
	}
	return req, nil
}

// ListPending retrieves all pending approval requests
func (d *approvalDAO) ListPending(ctx context.Context) ([]approval.Request, error) {
	query := `
		SELECT id, operation_type, COALESCE(description, ''), estimated_cost,
		       COALESCE(requested_by, ''), requested_at, status,
		       COALESCE(decided_by, ''), decided_at, COALESCE(reason, '')
		FROM approval_requests WHERE status = ? ORDER BY requested_at
	`

	rows, err := d.db.conn.QueryContext(ctx, query, approval.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	defer rows.Close()

	var requests []approval.Request
	for rows.Next() {
		req, err := scanApprovalRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func scanApprovalRequest(row rowScanner) (approval.Request, error) {
	var req approval.Request
	var decidedAt sql.NullTime

	err := row.Scan(
		&req.ID,
		&req.OperationType,
		&req.Description,
		&req.EstimatedCost,
		&req.RequestedBy,
		&req.RequestedAt,
		&req.Status,
		&req.DecidedBy,
		&decidedAt,
		&req.Reason,
	)
	if err != nil {
		return approval.Request{}, err
	}

	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

// ApprovalSink adapts an ApprovalDAO to the approval service's sink interface.
type ApprovalSink struct {
	dao ApprovalDAO
}

// NewApprovalSink creates a sink that persists approval requests through the DAO.
func NewApprovalSink(dao ApprovalDAO) *ApprovalSink {
	return &ApprovalSink{dao: dao}
}

// SaveApprovalRequest persists the request.
func (s *ApprovalSink) SaveApprovalRequest(req approval.Request) error {
	return s.dao.Save(context.Background(), req)
}
