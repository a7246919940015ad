// Package memory provides in-memory, mutex-guarded implementations of the
// service store interfaces. They back the test suite and local development
// without Postgres, honoring the same invariants as the SQL repositories
// (pending-request uniqueness, atomic transitions, append-only history).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildops/be-approvals/internal/errors"
	"github.com/buildops/be-approvals/internal/repository"
)

// ── Flows ────────────────────────────────────────────────────────────────────

// FlowStore is an in-memory flow store.
type FlowStore struct {
	mu    sync.RWMutex
	flows map[string]*repository.ApprovalFlow
}

// NewFlowStore creates an empty FlowStore.
func NewFlowStore() *FlowStore {
	return &FlowStore{flows: make(map[string]*repository.ApprovalFlow)}
}

func (s *FlowStore) Create(_ context.Context, flow *repository.ApprovalFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow.ID = uuid.NewString()
	flow.Version = 1
	now := time.Now()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	s.flows[flow.ID] = cloneFlow(flow)
	return nil
}

func (s *FlowStore) GetByID(_ context.Context, id string) (*repository.ApprovalFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", id)
	}
	return cloneFlow(flow), nil
}

func (s *FlowStore) ListActiveByResourceType(_ context.Context, resourceType string) ([]*repository.ApprovalFlow, error) {
	return s.listByResourceType(resourceType, true), nil
}

func (s *FlowStore) ListByResourceType(_ context.Context, resourceType string) ([]*repository.ApprovalFlow, error) {
	return s.listByResourceType(resourceType, false), nil
}

func (s *FlowStore) listByResourceType(resourceType string, activeOnly bool) []*repository.ApprovalFlow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []*repository.ApprovalFlow
	for _, f := range s.flows {
		if f.ResourceType != resourceType {
			continue
		}
		if activeOnly && !f.IsActive {
			continue
		}
		flows = append(flows, cloneFlow(f))
	}
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].Priority != flows[j].Priority {
			return flows[i].Priority < flows[j].Priority
		}
		return flows[i].ID < flows[j].ID
	})
	return flows
}

func (s *FlowStore) Update(_ context.Context, flow *repository.ApprovalFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.flows[flow.ID]
	if !ok {
		return errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", flow.ID)
	}
	flow.Version = existing.Version + 1
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = time.Now()
	s.flows[flow.ID] = cloneFlow(flow)
	return nil
}

func (s *FlowStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[id]; !ok {
		return errors.Newf(errors.ErrCodeFlowNotFound, "approval flow not found: %s", id)
	}
	delete(s.flows, id)
	return nil
}

// ── Requests & history ───────────────────────────────────────────────────────

// RequestStore is an in-memory request store. It also serves history reads,
// since history rows are written inside request transactions.
type RequestStore struct {
	mu       sync.Mutex
	requests map[string]*repository.ApprovalRequest
	history  map[string][]*repository.HistoryEntry
}

// NewRequestStore creates an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		requests: make(map[string]*repository.ApprovalRequest),
		history:  make(map[string][]*repository.HistoryEntry),
	}
}

func (s *RequestStore) Create(_ context.Context, req *repository.ApprovalRequest, history []*repository.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.requests {
		if existing.ResourceType == req.ResourceType &&
			existing.ResourceID == req.ResourceID &&
			existing.Status == repository.RequestStatusPending {
			return errors.Newf(errors.ErrCodeDuplicateRequest,
				"a pending approval request already exists for %s/%s", req.ResourceType, req.ResourceID)
		}
	}

	req.ID = uuid.NewString()
	now := time.Now()
	req.RequestedAt = now
	req.CreatedAt = now
	req.UpdatedAt = now
	s.requests[req.ID] = cloneRequest(req)
	s.appendHistory(req.ID, history)
	return nil
}

func (s *RequestStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return cloneRequest(req), nil
}

func (s *RequestStore) ListByResource(_ context.Context, resourceType, resourceID string) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []*repository.ApprovalRequest
	for _, r := range s.requests {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			reqs = append(reqs, cloneRequest(r))
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RequestedAt.After(reqs[j].RequestedAt) })
	return reqs, nil
}

func (s *RequestStore) ListPending(_ context.Context) ([]*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []*repository.ApprovalRequest
	for _, r := range s.requests {
		if r.Status == repository.RequestStatusPending {
			reqs = append(reqs, cloneRequest(r))
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].RequestedAt.Before(reqs[j].RequestedAt) })
	return reqs, nil
}

func (s *RequestStore) HasPendingForFlow(_ context.Context, flowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.requests {
		if r.FlowID == flowID && r.Status == repository.RequestStatusPending {
			return true, nil
		}
	}
	return false, nil
}

// Transition applies fn to a private copy of the request under the store
// lock and commits the copy plus history only when fn succeeds, mirroring
// the SQL repository's transactional semantics.
func (s *RequestStore) Transition(_ context.Context, id string, fn func(req *repository.ApprovalRequest) ([]*repository.HistoryEntry, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}

	next := cloneRequest(current)
	history, err := fn(next)
	if err != nil {
		return err
	}
	next.UpdatedAt = time.Now()
	s.requests[id] = next
	s.appendHistory(id, history)
	return nil
}

func (s *RequestStore) ListByRequestID(_ context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.history[requestID]
	out := make([]*repository.HistoryEntry, len(entries))
	for i, e := range entries {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

func (s *RequestStore) appendHistory(requestID string, entries []*repository.HistoryEntry) {
	for _, e := range entries {
		e.ID = uuid.NewString()
		e.RequestID = requestID
		e.CreatedAt = time.Now()
		clone := *e
		s.history[requestID] = append(s.history[requestID], &clone)
	}
}

// ── Grants ───────────────────────────────────────────────────────────────────

// Grants is an in-memory authz.GrantSource.
type Grants struct {
	mu     sync.RWMutex
	grants map[string]map[string][]string // subject type → subject id → permissions
}

// NewGrants creates an empty grant source.
func NewGrants() *Grants {
	return &Grants{grants: make(map[string]map[string][]string)}
}

// Grant records permission strings for a subject.
func (g *Grants) Grant(subjectType, subjectID string, permissions ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.grants[subjectType] == nil {
		g.grants[subjectType] = make(map[string][]string)
	}
	g.grants[subjectType][subjectID] = append(g.grants[subjectType][subjectID], permissions...)
}

func (g *Grants) SystemLevelPermissions(_ context.Context, level string) ([]string, error) {
	return g.lookup("system_level", level), nil
}

func (g *Grants) RolePermissions(_ context.Context, roles []string) ([]string, error) {
	var out []string
	for _, role := range roles {
		out = append(out, g.lookup("role", role)...)
	}
	return out, nil
}

func (g *Grants) DepartmentPermissions(_ context.Context, departmentIDs []string) ([]string, error) {
	var out []string
	for _, id := range departmentIDs {
		out = append(out, g.lookup("department", id)...)
	}
	return out, nil
}

func (g *Grants) PositionPermissions(_ context.Context, positionID string) ([]string, error) {
	return g.lookup("position", positionID), nil
}

func (g *Grants) UserPermissions(_ context.Context, userID string) ([]string, error) {
	return g.lookup("user", userID), nil
}

func (g *Grants) lookup(subjectType, subjectID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	perms := g.grants[subjectType][subjectID]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// ── clone helpers ────────────────────────────────────────────────────────────

func cloneFlow(f *repository.ApprovalFlow) *repository.ApprovalFlow {
	clone := *f
	clone.Steps = cloneSteps(f.Steps)
	return &clone
}

func cloneRequest(r *repository.ApprovalRequest) *repository.ApprovalRequest {
	clone := *r
	clone.Steps = cloneSteps(r.Steps)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		clone.ResolvedAt = &t
	}
	return &clone
}

func cloneSteps(steps []repository.FlowStep) []repository.FlowStep {
	out := make([]repository.FlowStep, len(steps))
	copy(out, steps)
	for i, s := range steps {
		if s.AutoApprove != nil {
			cond := *s.AutoApprove
			out[i].AutoApprove = &cond
		}
	}
	return out
}
