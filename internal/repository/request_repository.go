package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/buildops/be-approvals/internal/database"
	"github.com/buildops/be-approvals/internal/errors"
)

// pgUniqueViolation is the Postgres error code raised by the partial unique
// index on (resource_type, resource_id) WHERE status = 'pending'.
const pgUniqueViolation = "23505"

// RequestRepository manages approval request rows and their history entries.
// Creation and transitions each run inside a single transaction so that the
// precondition re-check, the status write, and the history rows commit
// atomically.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request plus its initial history entries (auto-approvals
// evaluated at creation) in one transaction. A concurrent create for the same
// resource loses with ErrCodeDuplicateRequest: the in-transaction re-check
// catches committed duplicates, the unique index catches the race.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest, history []*HistoryEntry) error {
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT id FROM approval_requests
			WHERE resource_type = $1 AND resource_id = $2 AND status = 'pending'
			FOR UPDATE
		`, req.ResourceType, req.ResourceID).Scan(&existing)
		if err == nil {
			return errors.Newf(errors.ErrCodeDuplicateRequest,
				"a pending approval request already exists for %s/%s", req.ResourceType, req.ResourceID)
		}
		if err != pgx.ErrNoRows {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check for pending request")
		}

		stepsJSON, err := json.Marshal(req.Steps)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request steps")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO approval_requests
			    (resource_type, resource_id, flow_id, flow_version, steps,
			     current_step_index, status, requested_by, resolved_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7::approval_request_status, $8, $9)
			RETURNING id, requested_at, created_at, updated_at
		`,
			req.ResourceType,
			req.ResourceID,
			req.FlowID,
			req.FlowVersion,
			stepsJSON,
			req.CurrentStepIndex,
			req.Status,
			req.RequestedBy,
			req.ResolvedAt,
		).Scan(&req.ID, &req.RequestedAt, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		return insertHistory(ctx, tx, req.ID, history)
	})

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return errors.Newf(errors.ErrCodeDuplicateRequest,
			"a pending approval request already exists for %s/%s", req.ResourceType, req.ResourceID)
	}
	return err
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, selectRequest+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// ListByResource returns all requests for a resource, newest first.
func (r *RequestRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY requested_at DESC
	`
	rows, err := r.db.Query(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// ListPending returns all pending requests, oldest first. Used by the
// pending-approvals listing, which filters by approver in the service layer.
func (r *RequestRepository) ListPending(ctx context.Context) ([]*ApprovalRequest, error) {
	query := selectRequest + `
		WHERE status = 'pending'
		ORDER BY requested_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending requests")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// HasPendingForFlow reports whether any pending request references the flow.
// Flows with pending requests may not be deleted.
func (r *RequestRepository) HasPendingForFlow(ctx context.Context, flowID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM approval_requests
			WHERE flow_id = $1 AND status = 'pending'
		)
	`, flowID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check pending requests for flow")
	}
	return exists, nil
}

// Transition re-reads the request under a row lock, applies fn to it, and
// persists the mutated status, step index, and returned history entries in
// the same transaction. fn returning an error aborts the transaction with no
// partial writes. Two concurrent transitions on one request serialize on the
// row lock; the loser re-reads the already-transitioned row and fails its
// precondition inside fn.
func (r *RequestRepository) Transition(ctx context.Context, id string, fn func(req *ApprovalRequest) ([]*HistoryEntry, error)) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		req, err := scanRequest(tx.QueryRow(ctx, selectRequest+` WHERE id = $1 FOR UPDATE`, id))
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_request", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load approval request")
		}

		history, err := fn(req)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_requests
			SET status             = $2::approval_request_status,
			    current_step_index = $3,
			    resolved_at        = $4,
			    updated_at         = NOW()
			WHERE id = $1
		`, req.ID, req.Status, req.CurrentStepIndex, req.ResolvedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}

		return insertHistory(ctx, tx, req.ID, history)
	})
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const selectRequest = `
	SELECT id, resource_type, resource_id, flow_id, flow_version, steps,
	       current_step_index, status, requested_by, requested_at,
	       resolved_at, created_at, updated_at
	FROM approval_requests
`

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var stepsJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ResourceType,
		&req.ResourceID,
		&req.FlowID,
		&req.FlowVersion,
		&stepsJSON,
		&req.CurrentStepIndex,
		&req.Status,
		&req.RequestedBy,
		&req.RequestedAt,
		&req.ResolvedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &req.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request steps")
	}
	return req, nil
}

// insertHistory appends history rows within the caller's transaction.
func insertHistory(ctx context.Context, tx pgx.Tx, requestID string, entries []*HistoryEntry) error {
	for _, e := range entries {
		e.RequestID = requestID
		err := tx.QueryRow(ctx, `
			INSERT INTO approval_history
			    (request_id, step_index, action, actor_id, comment)
			VALUES ($1, $2, $3::approval_history_action, $4, $5)
			RETURNING id, created_at
		`, e.RequestID, e.StepIndex, e.Action, e.ActorID, e.Comment).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
		}
	}
	return nil
}
