package service

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/logger"
	"github.com/buildops/be-approvals/internal/repository"
	"github.com/buildops/be-approvals/internal/repository/memory"
)

// stubAttrs serves canned resource attribute snapshots keyed by type/id.
type stubAttrs struct {
	mu        sync.Mutex
	snapshots map[string]authz.ResourceAttributes
}

func (s *stubAttrs) set(resourceType, resourceID string, attrs authz.ResourceAttributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[resourceType+"/"+resourceID] = attrs
}

func (s *stubAttrs) Snapshot(_ context.Context, resourceType, resourceID string) (authz.ResourceAttributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[resourceType+"/"+resourceID], nil
}

// eventRecorder captures published events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) PublishApprovalEvent(_ context.Context, eventType string, _ *repository.ApprovalRequest, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// env wires the services over the in-memory stores.
type env struct {
	grants    *memory.Grants
	flows     *memory.FlowStore
	requests  *memory.RequestStore
	attrs     *stubAttrs
	events    *eventRecorder
	selector  *FlowSelector
	flowSvc   *FlowService
	approvals *ApprovalService
}

func newEnv() *env {
	grants := memory.NewGrants()
	flows := memory.NewFlowStore()
	requests := memory.NewRequestStore()
	attrs := &stubAttrs{snapshots: make(map[string]authz.ResourceAttributes)}
	events := &eventRecorder{}

	resolver := authz.NewResolver(grants)
	evaluator := authz.NewEvaluator(resolver)
	guard := authz.NewGuard(resolver)
	log := &logger.Logger{Logger: zerolog.Nop()}

	selector := NewFlowSelector(flows)
	return &env{
		grants:    grants,
		flows:     flows,
		requests:  requests,
		attrs:     attrs,
		events:    events,
		selector:  selector,
		flowSvc:   NewFlowService(flows, requests, guard, log),
		approvals: NewApprovalService(selector, requests, requests, guard, evaluator, attrs, events, log),
	}
}

// createFlow persists a flow definition directly through the store.
func createFlow(t *testing.T, e *env, flow *repository.ApprovalFlow) *repository.ApprovalFlow {
	t.Helper()
	if flow.Name == "" {
		flow.Name = "test flow"
	}
	if flow.CreatedBy == "" {
		flow.CreatedBy = "fixture"
	}
	require.NoError(t, e.flows.Create(context.Background(), flow))
	return flow
}

func int64p(v int64) *int64 { return &v }

func strp(s string) *string { return &s }
