package authz

import (
	"context"

	"github.com/buildops/be-approvals/internal/errors"
)

// Operation names a guarded workflow-management mutation.
type Operation string

const (
	OpCreateFlow Operation = "createApprovalFlow"
	OpUpdateFlow Operation = "updateApprovalFlow"
	OpDeleteFlow Operation = "deleteApprovalFlow"

	OpCreateRequest  Operation = "createApprovalRequest"
	OpApproveRequest Operation = "approveRequest"
	OpRejectRequest  Operation = "rejectRequest"
	OpReturnRequest  Operation = "returnRequest"
	OpCancelRequest  Operation = "cancelRequest"
)

// Target carries the attributes of the operation's subject that the guard
// needs: the resource type for permission scoping and, for request-level
// ownership checks, the original requester.
type Target struct {
	ResourceType string
	RequestedBy  string
}

// Guard is the pre-check in front of every workflow-management mutation. It
// is an explicit function composed by the service layer, not transport
// middleware, so it is testable on its own.
type Guard struct {
	resolver *Resolver
}

// NewGuard creates a Guard using the given resolver.
func NewGuard(resolver *Resolver) *Guard {
	return &Guard{resolver: resolver}
}

// Authorize checks that actor may perform op on target. It returns nil on
// success and a structured Unauthenticated/AuthorizationDenied error
// otherwise; the operation must not partially execute on denial.
func (g *Guard) Authorize(ctx context.Context, actor *User, op Operation, target Target) error {
	if actor == nil || actor.ID == "" {
		return errors.Newf(errors.ErrCodeUnauthenticated, "operation %s requires authentication", op)
	}
	if actor.IsAdmin {
		return nil
	}

	perms, err := g.resolver.ResolveEffectivePermissions(ctx, actor)
	if err != nil {
		return err
	}
	if perms.All() {
		return nil
	}

	// Cancellation follows the state machine's ownership rule exactly, so
	// guard and state machine never disagree: the original requester may
	// always cancel; anyone else needs the management grant.
	if op == OpCancelRequest {
		if target.RequestedBy != "" && target.RequestedBy == actor.ID {
			return nil
		}
		manage := Permission{Code: target.ResourceType, Action: ActionApprovalManage}
		if perms.Contains(manage) {
			return nil
		}
		return errors.Newf(errors.ErrCodeAuthorizationDenied, "operation %s denied: not the requester and missing %s", op, manage)
	}

	required, ok := requiredPermission(op, target.ResourceType)
	if !ok {
		return errors.Newf(errors.ErrCodeAuthorizationDenied, "unknown operation %s", op)
	}
	if !perms.Contains(required) {
		return errors.Newf(errors.ErrCodeAuthorizationDenied, "operation %s denied: missing permission %s", op, required)
	}

	return nil
}

// requiredPermission maps an operation onto its permission string. Flow
// management is namespaced under the "approval" business code; request
// operations are scoped by the resource type under approval.
func requiredPermission(op Operation, resourceType string) (Permission, bool) {
	switch op {
	case OpCreateFlow:
		return Permission{Code: FlowBusinessCode, Action: ActionFlowCreate}, true
	case OpUpdateFlow:
		return Permission{Code: FlowBusinessCode, Action: ActionFlowUpdate}, true
	case OpDeleteFlow:
		return Permission{Code: FlowBusinessCode, Action: ActionFlowDelete}, true
	case OpCreateRequest:
		return Permission{Code: resourceType, Action: ActionApprovalRequest}, true
	case OpApproveRequest:
		return Permission{Code: resourceType, Action: ActionApprovalApprove}, true
	case OpRejectRequest:
		return Permission{Code: resourceType, Action: ActionApprovalReject}, true
	case OpReturnRequest:
		return Permission{Code: resourceType, Action: ActionApprovalReturn}, true
	}
	return Permission{}, false
}
