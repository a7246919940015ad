package authz

import (
	"context"
)

// Resource visibility levels.
const (
	VisibilityPrivate    = "private"
	VisibilityDepartment = "department"
	VisibilityPublic     = "public"
)

// Resource lifecycle statuses relevant to policy rules.
const (
	ResourceStatusDraft     = "draft"
	ResourceStatusSubmitted = "submitted"
	ResourceStatusApproved  = "approved"
	ResourceStatusRejected  = "rejected"
)

// ResourceAttributes is an immutable snapshot of the business entity under
// evaluation, sourced by the calling domain code. Missing attributes fail
// the rules that depend on them (deny-by-default).
type ResourceAttributes struct {
	DepartmentID string `json:"department_id"`
	Visibility   string `json:"visibility"`
	CreatedBy    string `json:"created_by"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`

	// Extra carries additional numeric attributes referenced by
	// auto-approval conditions.
	Extra map[string]int64 `json:"extra,omitempty"`
}

// Numeric looks up a numeric attribute by name. "amount" resolves to Amount;
// other names resolve through Extra.
func (a ResourceAttributes) Numeric(name string) (int64, bool) {
	if name == "amount" {
		return a.Amount, true
	}
	v, ok := a.Extra[name]
	return v, ok
}

// Evaluator decides attribute-based access. The admin bypass lives here, at
// the top of Evaluate, so every caller gets identical bypass semantics.
type Evaluator struct {
	resolver *Resolver
}

// NewEvaluator creates an Evaluator using the given resolver.
func NewEvaluator(resolver *Resolver) *Evaluator {
	return &Evaluator{resolver: resolver}
}

// EvaluateAccess resolves the user's effective permissions and evaluates the
// access decision for action on a resource of resourceType with the given
// attribute snapshot. It returns false, never an error, for every well-formed
// denial; errors are reserved for infrastructure failures.
func (e *Evaluator) EvaluateAccess(ctx context.Context, user *User, attrs ResourceAttributes, action Action, resourceType string) (bool, error) {
	if user == nil {
		return false, nil
	}
	perms, err := e.resolver.ResolveEffectivePermissions(ctx, user)
	if err != nil {
		return false, err
	}
	return e.EvaluateWithPermissions(perms, user, attrs, action, resourceType), nil
}

// EvaluateWithPermissions runs the decision against an already-resolved
// permission set. Used by callers that resolve once per request.
func (e *Evaluator) EvaluateWithPermissions(perms PermissionSet, user *User, attrs ResourceAttributes, action Action, resourceType string) bool {
	if user == nil {
		return false
	}
	if perms.All() {
		return true
	}
	// Cancellation uses the guard's ownership rule, not a coarse grant: the
	// requester may always withdraw their own request; anyone else needs the
	// management grant. Keeping one rule here and in the guard means both
	// paths always agree.
	if action == ActionApprovalCancel {
		if e.isOwner(user, attrs) {
			return true
		}
		return perms.Contains(Permission{Code: resourceType, Action: ActionApprovalManage})
	}
	if !perms.Contains(Permission{Code: resourceType, Action: action}) {
		return false
	}
	return e.attributeRulesPass(user, attrs, action)
}

// attributeRulesPass applies the fine-grained rules for actions that have
// them. Step-level approver matching for approve/reject/return belongs to the
// request state machine, not here; those actions pass on the coarse grant
// alone.
func (e *Evaluator) attributeRulesPass(user *User, attrs ResourceAttributes, action Action) bool {
	switch action {
	case ActionView:
		if attrs.Visibility == VisibilityPublic {
			return true
		}
		if user.InDepartment(attrs.DepartmentID) {
			return true
		}
		return e.isOwner(user, attrs)

	case ActionUpdate, ActionDelete:
		return e.canMutate(user, attrs)

	case ActionApprovalRequest:
		// Only drafts may be submitted; resubmission of an in-review or
		// resolved resource is blocked here.
		if attrs.Status != ResourceStatusDraft {
			return false
		}
		return e.canMutate(user, attrs)

	default:
		return true
	}
}

// canMutate is the shared ownership/department rule for update-like actions:
// the creator may always mutate; department colleagues only while the
// resource is still a draft.
func (e *Evaluator) canMutate(user *User, attrs ResourceAttributes) bool {
	if e.isOwner(user, attrs) {
		return true
	}
	return user.InDepartment(attrs.DepartmentID) && attrs.Status == ResourceStatusDraft
}

func (e *Evaluator) isOwner(user *User, attrs ResourceAttributes) bool {
	return attrs.CreatedBy != "" && attrs.CreatedBy == user.ID
}
