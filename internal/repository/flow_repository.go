package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/buildops/be-approvals/internal/database"
	"github.com/buildops/be-approvals/internal/errors"
)

// FlowRepository handles CRUD for approval_flows. Steps are stored as a
// JSONB array on the flow row.
type FlowRepository struct {
	db *database.DB
}

// NewFlowRepository creates a new FlowRepository.
func NewFlowRepository(db *database.DB) *FlowRepository {
	return &FlowRepository{db: db}
}

// Create inserts a new flow at version 1.
func (r *FlowRepository) Create(ctx context.Context, flow *ApprovalFlow) error {
	stepsJSON, err := json.Marshal(flow.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}

	query := `
		INSERT INTO approval_flows
		    (resource_type, name, version, is_active, priority,
		     min_amount, max_amount, department_id, steps, created_by)
		VALUES ($1, $2, 1, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING id, version, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		flow.ResourceType,
		flow.Name,
		flow.IsActive,
		flow.Priority,
		flow.MinAmount,
		flow.MaxAmount,
		flow.DepartmentID,
		stepsJSON,
		flow.CreatedBy,
	).Scan(&flow.ID, &flow.Version, &flow.CreatedAt, &flow.UpdatedAt)
}

// GetByID retrieves a flow by primary key.
func (r *FlowRepository) GetByID(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `
		SELECT id, resource_type, name, version, is_active, priority,
		       min_amount, max_amount, department_id, steps, created_by,
		       created_at, updated_at
		FROM approval_flows
		WHERE id = $1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", id)
	}
	return flow, err
}

// ListActiveByResourceType returns active flows for a resource type in
// selection order: priority ascending, then id ascending for determinism.
func (r *FlowRepository) ListActiveByResourceType(ctx context.Context, resourceType string) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, resource_type, name, version, is_active, priority,
		       min_amount, max_amount, department_id, steps, created_by,
		       created_at, updated_at
		FROM approval_flows
		WHERE resource_type = $1 AND is_active = TRUE
		ORDER BY priority ASC, id ASC
	`
	return r.list(ctx, query, resourceType)
}

// ListByResourceType returns all flows for a resource type, active or not.
func (r *FlowRepository) ListByResourceType(ctx context.Context, resourceType string) ([]*ApprovalFlow, error) {
	query := `
		SELECT id, resource_type, name, version, is_active, priority,
		       min_amount, max_amount, department_id, steps, created_by,
		       created_at, updated_at
		FROM approval_flows
		WHERE resource_type = $1
		ORDER BY priority ASC, id ASC
	`
	return r.list(ctx, query, resourceType)
}

// Update persists changes to a flow and bumps its version.
func (r *FlowRepository) Update(ctx context.Context, flow *ApprovalFlow) error {
	stepsJSON, err := json.Marshal(flow.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}

	query := `
		UPDATE approval_flows
		SET name          = $2,
		    is_active     = $3,
		    priority      = $4,
		    min_amount    = $5,
		    max_amount    = $6,
		    department_id = $7,
		    steps         = $8,
		    version       = version + 1,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING version, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		flow.ID,
		flow.Name,
		flow.IsActive,
		flow.Priority,
		flow.MinAmount,
		flow.MaxAmount,
		flow.DepartmentID,
		stepsJSON,
	).Scan(&flow.Version, &flow.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", flow.ID)
	}
	return err
}

// Delete removes a flow. The caller must first verify no pending request
// references it.
func (r *FlowRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM approval_flows WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *FlowRepository) scanFlow(row flowScanner) (*ApprovalFlow, error) {
	flow := &ApprovalFlow{}
	var stepsJSON []byte

	err := row.Scan(
		&flow.ID,
		&flow.ResourceType,
		&flow.Name,
		&flow.Version,
		&flow.IsActive,
		&flow.Priority,
		&flow.MinAmount,
		&flow.MaxAmount,
		&flow.DepartmentID,
		&stepsJSON,
		&flow.CreatedBy,
		&flow.CreatedAt,
		&flow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &flow.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal flow steps")
	}
	return flow, nil
}

func (r *FlowRepository) list(ctx context.Context, query string, args ...any) ([]*ApprovalFlow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*ApprovalFlow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}
