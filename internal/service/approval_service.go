package service

import (
	"context"
	"time"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
	"github.com/buildops/be-approvals/internal/logger"
	"github.com/buildops/be-approvals/internal/repository"
)

// Event types published on request transitions.
const (
	EventRequested    = "approval_requested"
	EventStepApproved = "approval_step_approved"
	EventApproved     = "approval_approved"
	EventRejected     = "approval_rejected"
	EventReturned     = "approval_returned"
	EventCancelled    = "approval_cancelled"
)

// ApprovalService owns the approval request lifecycle: creation, per-step
// decisions, history logging, and terminal resolution. All transitions run
// through RequestStore.Transition, which re-checks preconditions under a row
// lock and writes status plus history atomically; a losing racer gets a
// domain error, never a partial write.
type ApprovalService struct {
	selector  *FlowSelector
	requests  RequestStore
	history   HistoryStore
	guard     *authz.Guard
	evaluator *authz.Evaluator
	attrs     AttributeSource
	events    EventPublisher
	log       *logger.Logger
}

// NewApprovalService creates a new ApprovalService. events may be nil when no
// notification boundary is configured.
func NewApprovalService(
	selector *FlowSelector,
	requests RequestStore,
	history HistoryStore,
	guard *authz.Guard,
	evaluator *authz.Evaluator,
	attrs AttributeSource,
	events EventPublisher,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		selector:  selector,
		requests:  requests,
		history:   history,
		guard:     guard,
		evaluator: evaluator,
		attrs:     attrs,
		events:    events,
		log:       log,
	}
}

// CreateRequestInput carries the parameters for CreateRequest.
type CreateRequestInput struct {
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	FlowID       *string `json:"flow_id,omitempty"`
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequest opens an approval request for a resource. The flow's steps
// are snapshotted onto the request, and step 0's auto-approval condition is
// evaluated immediately, cascading through subsequent steps until one needs a
// human or the flow is exhausted (in which case the request is created
// already approved).
func (s *ApprovalService) CreateRequest(ctx context.Context, actor *authz.User, input *CreateRequestInput) (*repository.ApprovalRequest, error) {
	if input.ResourceType == "" || input.ResourceID == "" {
		return nil, errors.InvalidInput("resource", "resource type and id are required")
	}
	if err := s.guard.Authorize(ctx, actor, authz.OpCreateRequest, authz.Target{ResourceType: input.ResourceType}); err != nil {
		return nil, err
	}

	attrs, err := s.attrs.Snapshot(ctx, input.ResourceType, input.ResourceID)
	if err != nil {
		return nil, err
	}

	allowed, err := s.evaluator.EvaluateAccess(ctx, actor, attrs, authz.ActionApprovalRequest, input.ResourceType)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.Newf(errors.ErrCodeAuthorizationDenied,
			"not allowed to request approval for %s/%s", input.ResourceType, input.ResourceID)
	}

	flow, err := s.selector.Select(ctx, input.ResourceType, attrs, input.FlowID)
	if err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		ResourceType:     input.ResourceType,
		ResourceID:       input.ResourceID,
		FlowID:           flow.ID,
		FlowVersion:      flow.Version,
		Steps:            flow.Steps,
		CurrentStepIndex: 0,
		Status:           repository.RequestStatusPending,
		RequestedBy:      actor.ID,
	}

	history := s.advanceAutoApprovals(req, attrs)

	if err := s.requests.Create(ctx, req, history); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("resource_type", req.ResourceType).
		Str("resource_id", req.ResourceID).
		Str("flow_id", req.FlowID).
		Str("status", req.Status).
		Int("auto_approved_steps", len(history)).
		Msg("Approval request created")

	s.publish(ctx, EventRequested, req, actor.ID)
	if req.Status == repository.RequestStatusApproved {
		s.publish(ctx, EventApproved, req, actor.ID)
	}
	return req, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve records a step approval by actor. When the current step is the
// last, the request resolves as approved; otherwise the request advances and
// the next step's auto-approval condition is evaluated exactly as at
// creation.
func (s *ApprovalService) Approve(ctx context.Context, actor *authz.User, requestID string, comment *string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, actor, authz.OpApproveRequest, authz.Target{ResourceType: req.ResourceType}); err != nil {
		return nil, err
	}

	attrs, err := s.attrs.Snapshot(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, err
	}

	var result *repository.ApprovalRequest
	err = s.requests.Transition(ctx, requestID, func(req *repository.ApprovalRequest) ([]*repository.HistoryEntry, error) {
		if err := requirePending(req); err != nil {
			return nil, err
		}
		if err := requireApprover(req.CurrentStep(), actor); err != nil {
			return nil, err
		}

		history := []*repository.HistoryEntry{{
			StepIndex: req.CurrentStepIndex,
			Action:    repository.HistoryActionApprove,
			ActorID:   actor.ID,
			Comment:   comment,
		}}

		if req.CurrentStepIndex == len(req.Steps)-1 {
			resolve(req, repository.RequestStatusApproved)
		} else {
			req.CurrentStepIndex++
			history = append(history, s.advanceAutoApprovals(req, attrs)...)
		}

		result = req
		return history, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", result.ID).
		Str("actor_id", actor.ID).
		Str("status", result.Status).
		Int("current_step", result.CurrentStepIndex).
		Msg("Approval step approved")

	if result.Status == repository.RequestStatusApproved {
		s.publish(ctx, EventApproved, result, actor.ID)
	} else {
		s.publish(ctx, EventStepApproved, result, actor.ID)
	}
	return result, nil
}

// ── Reject ────────────────────────────────────────────────────────────────────

// Reject records a rejection by actor. Rejection is terminal from any step
// and requires a comment.
func (s *ApprovalService) Reject(ctx context.Context, actor *authz.User, requestID, comment string) (*repository.ApprovalRequest, error) {
	return s.resolveWithComment(ctx, actor, requestID, comment,
		authz.OpRejectRequest, repository.HistoryActionReject, repository.RequestStatusRejected, EventRejected)
}

// Return sends the resource back to its requester. Terminal for this request
// instance; the step index resets to 0 for audit clarity. A new request may
// be created for the same resource afterwards.
func (s *ApprovalService) Return(ctx context.Context, actor *authz.User, requestID, comment string) (*repository.ApprovalRequest, error) {
	return s.resolveWithComment(ctx, actor, requestID, comment,
		authz.OpReturnRequest, repository.HistoryActionReturn, repository.RequestStatusReturned, EventReturned)
}

// resolveWithComment is the shared reject/return path: mandatory comment,
// approver check on the current step, terminal resolution.
func (s *ApprovalService) resolveWithComment(
	ctx context.Context,
	actor *authz.User,
	requestID, comment string,
	op authz.Operation,
	historyAction, terminalStatus, eventType string,
) (*repository.ApprovalRequest, error) {
	if comment == "" {
		return nil, errors.Newf(errors.ErrCodeCommentRequired, "a comment is required to %s a request", historyAction)
	}

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, actor, op, authz.Target{ResourceType: req.ResourceType}); err != nil {
		return nil, err
	}

	var result *repository.ApprovalRequest
	err = s.requests.Transition(ctx, requestID, func(req *repository.ApprovalRequest) ([]*repository.HistoryEntry, error) {
		if err := requirePending(req); err != nil {
			return nil, err
		}
		if err := requireApprover(req.CurrentStep(), actor); err != nil {
			return nil, err
		}

		history := []*repository.HistoryEntry{{
			StepIndex: req.CurrentStepIndex,
			Action:    historyAction,
			ActorID:   actor.ID,
			Comment:   &comment,
		}}

		resolve(req, terminalStatus)
		if terminalStatus == repository.RequestStatusReturned {
			req.CurrentStepIndex = 0
		}

		result = req
		return history, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", result.ID).
		Str("actor_id", actor.ID).
		Str("status", result.Status).
		Msg("Approval request resolved")

	s.publish(ctx, eventType, result, actor.ID)
	return result, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel withdraws a pending request. Only the original requester or a holder
// of the management grant may cancel.
func (s *ApprovalService) Cancel(ctx context.Context, actor *authz.User, requestID string) (*repository.ApprovalRequest, error) {
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.Authorize(ctx, actor, authz.OpCancelRequest, authz.Target{
		ResourceType: req.ResourceType,
		RequestedBy:  req.RequestedBy,
	}); err != nil {
		return nil, err
	}

	var result *repository.ApprovalRequest
	err = s.requests.Transition(ctx, requestID, func(req *repository.ApprovalRequest) ([]*repository.HistoryEntry, error) {
		if err := requirePending(req); err != nil {
			return nil, err
		}

		history := []*repository.HistoryEntry{{
			StepIndex: req.CurrentStepIndex,
			Action:    repository.HistoryActionCancel,
			ActorID:   actor.ID,
		}}

		resolve(req, repository.RequestStatusCancelled)
		result = req
		return history, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", result.ID).
		Str("actor_id", actor.ID).
		Msg("Approval request cancelled")

	s.publish(ctx, EventCancelled, result, actor.ID)
	return result, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, requestID)
}

// ListRequestsByResource returns all requests for a resource, newest first.
func (s *ApprovalService) ListRequestsByResource(ctx context.Context, resourceType, resourceID string) ([]*repository.ApprovalRequest, error) {
	return s.requests.ListByResource(ctx, resourceType, resourceID)
}

// GetHistory returns the full audit trail for a request.
func (s *ApprovalService) GetHistory(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.history.ListByRequestID(ctx, requestID)
}

// ListPendingForApprover returns the pending requests whose current step the
// given user could act on.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, user *authz.User) ([]*repository.ApprovalRequest, error) {
	pending, err := s.requests.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var out []*repository.ApprovalRequest
	for _, req := range pending {
		if approverMatches(req.CurrentStep(), user) {
			out = append(out, req)
		}
	}
	return out, nil
}

// ── State machine helpers ─────────────────────────────────────────────────────

// advanceAutoApprovals evaluates auto-approval conditions from the request's
// current step forward, recording one auto_approve entry per satisfied step.
// When the final step auto-approves, the request resolves as approved.
func (s *ApprovalService) advanceAutoApprovals(req *repository.ApprovalRequest, attrs authz.ResourceAttributes) []*repository.HistoryEntry {
	var history []*repository.HistoryEntry
	for req.Status == repository.RequestStatusPending {
		step := req.CurrentStep()
		if step.AutoApprove == nil || !step.AutoApprove.Satisfied(attrs) {
			break
		}
		history = append(history, &repository.HistoryEntry{
			StepIndex: req.CurrentStepIndex,
			Action:    repository.HistoryActionAutoApprove,
			ActorID:   "system",
		})
		if req.CurrentStepIndex == len(req.Steps)-1 {
			resolve(req, repository.RequestStatusApproved)
		} else {
			req.CurrentStepIndex++
		}
	}
	return history
}

// requirePending guards every transition other than create.
func requirePending(req *repository.ApprovalRequest) error {
	if req.Status != repository.RequestStatusPending {
		return errors.Newf(errors.ErrCodeInvalidState,
			"request %s is %s, not pending", req.ID, req.Status)
	}
	return nil
}

// requireApprover verifies the actor resolves as the approver for the step.
func requireApprover(step repository.FlowStep, actor *authz.User) error {
	if approverMatches(step, actor) {
		return nil
	}
	return errors.Newf(errors.ErrCodeNotAuthorizedApprover,
		"user %s is not the approver for step %d (%s=%s)",
		actor.ID, step.Index, step.ApproverType, step.ApproverValue)
}

// approverMatches resolves a step's approver type against the actor's
// attributes. System levels match exactly; no ordering between levels is
// assumed.
func approverMatches(step repository.FlowStep, actor *authz.User) bool {
	if actor == nil {
		return false
	}
	switch step.ApproverType {
	case repository.ApproverTypeUser:
		return actor.ID == step.ApproverValue
	case repository.ApproverTypeDepartment:
		return actor.InDepartment(step.ApproverValue)
	case repository.ApproverTypePosition:
		return actor.PositionID == step.ApproverValue
	case repository.ApproverTypeSystemLevel:
		return actor.SystemLevel == step.ApproverValue
	}
	return false
}

func resolve(req *repository.ApprovalRequest, status string) {
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
}

// publish emits an event when a publisher is configured. Never fatal.
func (s *ApprovalService) publish(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string) {
	if s.events == nil {
		return
	}
	s.events.PublishApprovalEvent(ctx, eventType, req, actorID)
}
