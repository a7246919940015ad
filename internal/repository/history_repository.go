package repository

import (
	"context"

	"github.com/buildops/be-approvals/internal/database"
	"github.com/buildops/be-approvals/internal/errors"
)

// HistoryRepository reads the append-only approval history. Writes happen
// inside request transactions (RequestRepository); the table carries a
// delete-prevention trigger, so no mutation methods are exposed here.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// ListByRequestID returns the audit trail for a request ordered oldest-first.
func (r *HistoryRepository) ListByRequestID(ctx context.Context, requestID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, request_id, step_index, action, actor_id, comment, created_at
		FROM approval_history
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		err := rows.Scan(
			&e.ID,
			&e.RequestID,
			&e.StepIndex,
			&e.Action,
			&e.ActorID,
			&e.Comment,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
