package service

import (
	"context"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
	"github.com/buildops/be-approvals/internal/logger"
	"github.com/buildops/be-approvals/internal/repository"
)

// ── Flow selection ────────────────────────────────────────────────────────────

// FlowSelector picks the approval flow applicable to a resource.
type FlowSelector struct {
	flows FlowStore
}

// NewFlowSelector creates a FlowSelector over the given store.
func NewFlowSelector(flows FlowStore) *FlowSelector {
	return &FlowSelector{flows: flows}
}

// Select resolves the flow for a resource. An explicit flow id wins but must
// name an active flow; otherwise the highest-priority active flow for the
// resource type whose criteria match the attributes is chosen, ties broken by
// lowest flow id (the store returns flows already in that order).
func (s *FlowSelector) Select(ctx context.Context, resourceType string, attrs authz.ResourceAttributes, explicitFlowID *string) (*repository.ApprovalFlow, error) {
	if explicitFlowID != nil && *explicitFlowID != "" {
		flow, err := s.flows.GetByID(ctx, *explicitFlowID)
		if err != nil {
			return nil, err
		}
		if !flow.IsActive {
			return nil, errors.Newf(errors.ErrCodeFlowNotFound, "approval flow %s is inactive", flow.ID)
		}
		return flow, nil
	}

	flows, err := s.flows.ListActiveByResourceType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	for _, flow := range flows {
		if flow.Matches(attrs) {
			return flow, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodeNoMatchingFlow, "no approval flow matches %s", resourceType)
}

// ── Flow management ───────────────────────────────────────────────────────────

// FlowService manages approval flow definitions. Every mutation passes the
// permission guard before touching storage.
type FlowService struct {
	flows    FlowStore
	requests RequestStore
	guard    *authz.Guard
	log      *logger.Logger
}

// NewFlowService creates a new FlowService.
func NewFlowService(flows FlowStore, requests RequestStore, guard *authz.Guard, log *logger.Logger) *FlowService {
	return &FlowService{
		flows:    flows,
		requests: requests,
		guard:    guard,
		log:      log,
	}
}

// FlowInput carries the definition for a create or update.
type FlowInput struct {
	ResourceType string                `json:"resource_type"`
	Name         string                `json:"name"`
	IsActive     bool                  `json:"is_active"`
	Priority     int                   `json:"priority"`
	MinAmount    *int64                `json:"min_amount"`
	MaxAmount    *int64                `json:"max_amount"`
	DepartmentID *string               `json:"department_id"`
	Steps        []repository.FlowStep `json:"steps"`
}

// CreateFlow validates and persists a new flow definition.
func (s *FlowService) CreateFlow(ctx context.Context, actor *authz.User, input *FlowInput) (*repository.ApprovalFlow, error) {
	if err := s.guard.Authorize(ctx, actor, authz.OpCreateFlow, authz.Target{ResourceType: input.ResourceType}); err != nil {
		return nil, err
	}
	if err := validateFlowInput(input); err != nil {
		return nil, err
	}

	flow := &repository.ApprovalFlow{
		ResourceType: input.ResourceType,
		Name:         input.Name,
		IsActive:     input.IsActive,
		Priority:     input.Priority,
		MinAmount:    input.MinAmount,
		MaxAmount:    input.MaxAmount,
		DepartmentID: input.DepartmentID,
		Steps:        input.Steps,
		CreatedBy:    actor.ID,
	}
	if err := s.flows.Create(ctx, flow); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("flow_id", flow.ID).
		Str("resource_type", flow.ResourceType).
		Int("steps", len(flow.Steps)).
		Msg("Approval flow created")

	return flow, nil
}

// UpdateFlow replaces a flow's definition and bumps its version. In-flight
// requests are unaffected: they carry a snapshot of the steps they started
// with.
func (s *FlowService) UpdateFlow(ctx context.Context, actor *authz.User, id string, input *FlowInput) (*repository.ApprovalFlow, error) {
	if err := s.guard.Authorize(ctx, actor, authz.OpUpdateFlow, authz.Target{ResourceType: input.ResourceType}); err != nil {
		return nil, err
	}
	if err := validateFlowInput(input); err != nil {
		return nil, err
	}

	flow, err := s.flows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	flow.Name = input.Name
	flow.IsActive = input.IsActive
	flow.Priority = input.Priority
	flow.MinAmount = input.MinAmount
	flow.MaxAmount = input.MaxAmount
	flow.DepartmentID = input.DepartmentID
	flow.Steps = input.Steps

	if err := s.flows.Update(ctx, flow); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("flow_id", flow.ID).
		Int("version", flow.Version).
		Msg("Approval flow updated")

	return flow, nil
}

// DeleteFlow removes a flow. Flows referenced by a pending request cannot be
// deleted.
func (s *FlowService) DeleteFlow(ctx context.Context, actor *authz.User, id string) error {
	flow, err := s.flows.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.guard.Authorize(ctx, actor, authz.OpDeleteFlow, authz.Target{ResourceType: flow.ResourceType}); err != nil {
		return err
	}

	pending, err := s.requests.HasPendingForFlow(ctx, id)
	if err != nil {
		return err
	}
	if pending {
		return errors.Newf(errors.ErrCodeConflict, "flow %s has pending approval requests", id)
	}

	if err := s.flows.Delete(ctx, id); err != nil {
		return err
	}

	s.log.Info().Str("flow_id", id).Msg("Approval flow deleted")
	return nil
}

// GetFlow returns a flow by id.
func (s *FlowService) GetFlow(ctx context.Context, id string) (*repository.ApprovalFlow, error) {
	return s.flows.GetByID(ctx, id)
}

// ListFlows returns all flows for a resource type.
func (s *FlowService) ListFlows(ctx context.Context, resourceType string) ([]*repository.ApprovalFlow, error) {
	return s.flows.ListByResourceType(ctx, resourceType)
}

// validateFlowInput enforces the structural invariants of a flow definition:
// at least one step, indices contiguous from 0, known approver types, and
// well-formed auto-approval conditions.
func validateFlowInput(input *FlowInput) error {
	if input.ResourceType == "" {
		return errors.InvalidInput("resource_type", "resource type is required")
	}
	if input.Name == "" {
		return errors.InvalidInput("name", "flow name is required")
	}
	if len(input.Steps) == 0 {
		return errors.InvalidInput("steps", "a flow must have at least one step")
	}
	if input.MinAmount != nil && input.MaxAmount != nil && *input.MinAmount >= *input.MaxAmount {
		return errors.InvalidInput("max_amount", "max amount must be greater than min amount")
	}

	for i, step := range input.Steps {
		if step.Index != i {
			return errors.InvalidInput("steps", "step indices must be contiguous starting at 0")
		}
		switch step.ApproverType {
		case repository.ApproverTypeSystemLevel, repository.ApproverTypeDepartment,
			repository.ApproverTypePosition, repository.ApproverTypeUser:
		default:
			return errors.InvalidInput("steps", "unknown approver type: "+step.ApproverType)
		}
		if step.ApproverValue == "" {
			return errors.InvalidInput("steps", "approver value is required")
		}
		if cond := step.AutoApprove; cond != nil {
			if cond.Attribute == "" {
				return errors.InvalidInput("steps", "auto-approval condition requires an attribute")
			}
			switch cond.Operator {
			case repository.OpLT, repository.OpLTE, repository.OpGT,
				repository.OpGTE, repository.OpEQ, repository.OpNE:
			default:
				return errors.InvalidInput("steps", "unknown condition operator: "+cond.Operator)
			}
		}
	}
	return nil
}
