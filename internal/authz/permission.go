// Package authz implements the authorization core: effective permission
// resolution, attribute-based access evaluation, and the operation guard in
// front of the workflow mutations.
package authz

import (
	"sort"
	"strings"
)

// Wildcard is the literal permission string meaning unrestricted access.
// The wire format "<businessCode>.<action>" and the "*" wildcard are a
// persisted contract shared with existing permission assignments.
const Wildcard = "*"

// Action is the operation part of a permission string. Approval-specific
// sub-actions are namespaced under "approval.".
type Action string

const (
	ActionView   Action = "view"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"

	ActionApprovalRequest Action = "approval.request"
	ActionApprovalApprove Action = "approval.approve"
	ActionApprovalReject  Action = "approval.reject"
	ActionApprovalReturn  Action = "approval.return"
	ActionApprovalCancel  Action = "approval.cancel"
	ActionApprovalManage  Action = "approval.manage"

	ActionFlowCreate Action = "flow.create"
	ActionFlowUpdate Action = "flow.update"
	ActionFlowDelete Action = "flow.delete"
)

// FlowBusinessCode namespaces the flow-management permissions, which are not
// tied to a single resource type.
const FlowBusinessCode = "approval"

// Permission is a typed (businessCode, action) pair. The string form is
// produced only at the serialization boundary.
type Permission struct {
	Code   string
	Action Action
}

// String renders the persisted "<businessCode>.<action>" form.
func (p Permission) String() string {
	return p.Code + "." + string(p.Action)
}

// ParsePermission splits a permission string at the first dot; the remainder
// is the (possibly dotted) action. Returns false for malformed strings.
func ParsePermission(s string) (Permission, bool) {
	if s == "" || s == Wildcard {
		return Permission{}, false
	}
	i := strings.IndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Permission{}, false
	}
	return Permission{Code: s[:i], Action: Action(s[i+1:])}, true
}

// PermissionSet is a user's effective permission set. The zero value is the
// empty set. A set is derived per request and must not be shared between
// users.
type PermissionSet struct {
	all   bool
	perms map[Permission]struct{}
}

// NewPermissionSet builds a set from persisted permission strings. Malformed
// entries are dropped; a "*" entry makes the set universal.
func NewPermissionSet(grants ...string) PermissionSet {
	s := PermissionSet{perms: make(map[Permission]struct{}, len(grants))}
	for _, g := range grants {
		if g == Wildcard {
			s.all = true
			continue
		}
		if p, ok := ParsePermission(g); ok {
			s.perms[p] = struct{}{}
		}
	}
	return s
}

// UniversalSet returns the unrestricted set granted to administrators.
func UniversalSet() PermissionSet {
	return PermissionSet{all: true}
}

// All reports whether the set carries the wildcard grant.
func (s PermissionSet) All() bool {
	return s.all
}

// Contains reports whether the set grants p (or is universal).
func (s PermissionSet) Contains(p Permission) bool {
	if s.all {
		return true
	}
	_, ok := s.perms[p]
	return ok
}

// Len returns the number of distinct non-wildcard permissions.
func (s PermissionSet) Len() int {
	return len(s.perms)
}

// Strings returns the sorted serialized permissions, with "*" first when the
// set is universal. Used for responses and logging.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s.perms)+1)
	if s.all {
		out = append(out, Wildcard)
	}
	for p := range s.perms {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}
