package repository

import (
	"time"

	"github.com/buildops/be-approvals/internal/authz"
)

// ── Domain types for the approval workflow ───────────────────────────────────

// Approver types a flow step may name.
const (
	ApproverTypeSystemLevel = "system_level"
	ApproverTypeDepartment  = "department"
	ApproverTypePosition    = "position"
	ApproverTypeUser        = "user"
)

// Request statuses. Everything except pending is terminal.
const (
	RequestStatusPending   = "pending"
	RequestStatusApproved  = "approved"
	RequestStatusRejected  = "rejected"
	RequestStatusReturned  = "returned"
	RequestStatusCancelled = "cancelled"
)

// History actions.
const (
	HistoryActionApprove     = "approve"
	HistoryActionReject      = "reject"
	HistoryActionReturn      = "return"
	HistoryActionCancel      = "cancel"
	HistoryActionAutoApprove = "auto_approve"
)

// Condition operators for auto-approval predicates.
const (
	OpLT  = "lt"
	OpLTE = "lte"
	OpGT  = "gt"
	OpGTE = "gte"
	OpEQ  = "eq"
	OpNE  = "ne"
)

// ApprovalCondition is an auto-approval predicate: a comparison of one named
// numeric resource attribute against a constant. A missing attribute never
// satisfies the condition.
type ApprovalCondition struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     int64  `json:"value"`
}

// Satisfied evaluates the condition against a resource attribute snapshot.
func (c *ApprovalCondition) Satisfied(attrs authz.ResourceAttributes) bool {
	v, ok := attrs.Numeric(c.Attribute)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpLT:
		return v < c.Value
	case OpLTE:
		return v <= c.Value
	case OpGT:
		return v > c.Value
	case OpGTE:
		return v >= c.Value
	case OpEQ:
		return v == c.Value
	case OpNE:
		return v != c.Value
	}
	return false
}

// FlowStep is one entry in a flow's ordered steps JSONB array. Indices are
// contiguous starting at 0.
type FlowStep struct {
	Index         int                `json:"index"`
	ApproverType  string             `json:"approver_type"`
	ApproverValue string             `json:"approver_value"`
	AutoApprove   *ApprovalCondition `json:"auto_approve,omitempty"`
}

// ApprovalFlow is a named, versioned approval pipeline definition for one
// resource type. Selection criteria (amount range, department) pick the flow
// for a resource; nil criteria match everything.
type ApprovalFlow struct {
	ID           string
	ResourceType string
	Name         string
	Version      int
	IsActive     bool
	Priority     int     // lower = evaluated first
	MinAmount    *int64  // inclusive lower bound; nil = unbounded
	MaxAmount    *int64  // exclusive upper bound; nil = unbounded
	DepartmentID *string // optional department match
	Steps        []FlowStep
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Matches reports whether the flow's selection criteria match the resource
// attribute snapshot.
func (f *ApprovalFlow) Matches(attrs authz.ResourceAttributes) bool {
	if f.MinAmount != nil && attrs.Amount < *f.MinAmount {
		return false
	}
	if f.MaxAmount != nil && attrs.Amount >= *f.MaxAmount {
		return false
	}
	if f.DepartmentID != nil && *f.DepartmentID != attrs.DepartmentID {
		return false
	}
	return true
}

// ApprovalRequest is one instance of a resource moving through a flow. The
// step list is snapshotted from the flow at creation, so later flow edits
// never affect an in-flight request.
type ApprovalRequest struct {
	ID               string
	ResourceType     string
	ResourceID       string
	FlowID           string
	FlowVersion      int
	Steps            []FlowStep
	CurrentStepIndex int
	Status           string
	RequestedBy      string
	RequestedAt      time.Time
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CurrentStep returns the step at CurrentStepIndex.
func (r *ApprovalRequest) CurrentStep() FlowStep {
	return r.Steps[r.CurrentStepIndex]
}

// HistoryEntry is one immutable record in a request's audit trail.
type HistoryEntry struct {
	ID        string
	RequestID string
	StepIndex int
	Action    string
	ActorID   string
	Comment   *string
	CreatedAt time.Time
}
