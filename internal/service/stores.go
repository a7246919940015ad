package service

import (
	"context"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/repository"
)

// FlowStore is the persistence surface the services need for approval flows.
// Implemented by repository.FlowRepository and memory.FlowStore.
type FlowStore interface {
	Create(ctx context.Context, flow *repository.ApprovalFlow) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalFlow, error)
	ListActiveByResourceType(ctx context.Context, resourceType string) ([]*repository.ApprovalFlow, error)
	ListByResourceType(ctx context.Context, resourceType string) ([]*repository.ApprovalFlow, error)
	Update(ctx context.Context, flow *repository.ApprovalFlow) error
	Delete(ctx context.Context, id string) error
}

// RequestStore is the persistence surface for approval requests. Create and
// Transition are atomic: preconditions are re-checked and history rows
// written in the same transaction as the status change.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, history []*repository.HistoryEntry) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]*repository.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*repository.ApprovalRequest, error)
	HasPendingForFlow(ctx context.Context, flowID string) (bool, error)
	Transition(ctx context.Context, id string, fn func(req *repository.ApprovalRequest) ([]*repository.HistoryEntry, error)) error
}

// HistoryStore reads the append-only audit trail.
type HistoryStore interface {
	ListByRequestID(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error)
}

// AttributeSource supplies resource attribute snapshots from the owning
// entity service. This core never queries entity storage directly.
type AttributeSource interface {
	Snapshot(ctx context.Context, resourceType, resourceID string) (authz.ResourceAttributes, error)
}

// EventPublisher emits workflow events to the notification boundary.
// Implementations must be non-fatal: publish failures are logged, never
// returned.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string)
}
