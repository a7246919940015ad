package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildops/be-approvals/internal/authz"
	"github.com/buildops/be-approvals/internal/errors"
	"github.com/buildops/be-approvals/internal/repository"
)

// requestFixture wires an env with a requester, a draft expense resource, and
// the grants the lifecycle tests need.
type requestFixture struct {
	*env
	requester *authz.User
}

func newRequestFixture(t *testing.T, steps ...repository.FlowStep) *requestFixture {
	t.Helper()
	e := newEnv()

	e.grants.Grant("user", "requester", "expense.approval.request")
	requester := &authz.User{ID: "requester", DepartmentIDs: []string{"dept-eng"}}

	e.attrs.set("expense", "exp-1", authz.ResourceAttributes{
		DepartmentID: "dept-eng",
		Visibility:   authz.VisibilityDepartment,
		CreatedBy:    "requester",
		Status:       authz.ResourceStatusDraft,
		Amount:       50_000,
	})

	createFlow(t, e, &repository.ApprovalFlow{
		ResourceType: "expense",
		IsActive:     true,
		Priority:     100,
		Steps:        steps,
	})

	return &requestFixture{env: e, requester: requester}
}

func (f *requestFixture) approver(userID string, departments ...string) *authz.User {
	f.grants.Grant("user", userID,
		"expense.approval.approve", "expense.approval.reject", "expense.approval.return")
	return &authz.User{ID: userID, DepartmentIDs: departments}
}

func (f *requestFixture) create(t *testing.T) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.approvals.CreateRequest(context.Background(), f.requester,
		&CreateRequestInput{ResourceType: "expense", ResourceID: "exp-1"})
	require.NoError(t, err)
	return req
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestSingleStepApprovalLifecycle(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	boss := f.approver("boss")

	req := f.create(t)
	assert.Equal(t, repository.RequestStatusPending, req.Status)
	assert.Equal(t, 0, req.CurrentStepIndex)
	assert.Equal(t, "requester", req.RequestedBy)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "creation without auto-approvals writes no history")

	result, err := f.approvals.Approve(context.Background(), boss, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, result.Status)
	require.NotNil(t, result.ResolvedAt)

	history, err = f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.HistoryActionApprove, history[0].Action)
	assert.Equal(t, "boss", history[0].ActorID)

	assert.Equal(t, []string{EventRequested, EventApproved}, f.events.types())
}

func TestMultiStepApprovalChain(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "lead"), userStep(1, "boss"))
	lead := f.approver("lead")
	boss := f.approver("boss")

	req := f.create(t)

	result, err := f.approvals.Approve(context.Background(), lead, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, result.Status)
	assert.Equal(t, 1, result.CurrentStepIndex)

	// The second approver cannot be skipped by the first acting twice.
	_, err = f.approvals.Approve(context.Background(), lead, req.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotAuthorizedApprover, errors.CodeOf(err))

	result, err = f.approvals.Approve(context.Background(), boss, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, result.Status)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "lead", history[0].ActorID)
	assert.Equal(t, "boss", history[1].ActorID)

	assert.Equal(t, []string{EventRequested, EventStepApproved, EventApproved}, f.events.types())
}

func TestApproveByWrongApproverLeavesStateUntouched(t *testing.T) {
	f := newRequestFixture(t, repository.FlowStep{
		Index:         0,
		ApproverType:  repository.ApproverTypeDepartment,
		ApproverValue: "dept-finance",
	})
	req := f.create(t)

	// Holds the approve grant, but sits in the wrong department.
	eve := f.approver("eve", "dept-eng")
	_, err := f.approvals.Approve(context.Background(), eve, req.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotAuthorizedApprover, errors.CodeOf(err))

	stored, err := f.approvals.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, stored.Status)
	assert.Equal(t, 0, stored.CurrentStepIndex)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "a denied decision must leave no trace")
}

func TestApproveWithoutGrantDenied(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	req := f.create(t)

	// Matches the step approver but never got the coarse grant.
	_, err := f.approvals.Approve(context.Background(), &authz.User{ID: "boss"}, req.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthorizationDenied, errors.CodeOf(err))
}

func TestApproverTypeMatching(t *testing.T) {
	tests := []struct {
		name  string
		step  repository.FlowStep
		actor *authz.User
		ok    bool
	}{
		{
			name:  "position match",
			step:  repository.FlowStep{Index: 0, ApproverType: repository.ApproverTypePosition, ApproverValue: "pos-pm"},
			actor: &authz.User{ID: "a1", PositionID: "pos-pm"},
			ok:    true,
		},
		{
			name:  "position mismatch",
			step:  repository.FlowStep{Index: 0, ApproverType: repository.ApproverTypePosition, ApproverValue: "pos-pm"},
			actor: &authz.User{ID: "a1", PositionID: "pos-dev"},
			ok:    false,
		},
		{
			name:  "system level matches exactly",
			step:  repository.FlowStep{Index: 0, ApproverType: repository.ApproverTypeSystemLevel, ApproverValue: "director"},
			actor: &authz.User{ID: "a1", SystemLevel: "director"},
			ok:    true,
		},
		{
			name:  "higher level does not substitute",
			step:  repository.FlowStep{Index: 0, ApproverType: repository.ApproverTypeSystemLevel, ApproverValue: "director"},
			actor: &authz.User{ID: "a1", SystemLevel: "executive"},
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRequestFixture(t, tt.step)
			f.grants.Grant("user", tt.actor.ID, "expense.approval.approve")
			req := f.create(t)

			_, err := f.approvals.Approve(context.Background(), tt.actor, req.ID, nil)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, errors.ErrCodeNotAuthorizedApprover, errors.CodeOf(err))
			}
		})
	}
}

// ── Duplicate pending requests ───────────────────────────────────────────────

func TestDuplicatePendingRequestRejected(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	f.create(t)

	_, err := f.approvals.CreateRequest(context.Background(), f.requester,
		&CreateRequestInput{ResourceType: "expense", ResourceID: "exp-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDuplicateRequest, errors.CodeOf(err))
}

func TestConcurrentCreateAdmitsExactlyOne(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.approvals.CreateRequest(context.Background(), f.requester,
				&CreateRequestInput{ResourceType: "expense", ResourceID: "exp-1"})
		}(i)
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.CodeOf(err) == errors.ErrCodeDuplicateRequest:
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, duplicates)
}

func TestResolvedRequestAllowsNewOne(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	req := f.create(t)

	_, err := f.approvals.Cancel(context.Background(), f.requester, req.ID)
	require.NoError(t, err)

	second := f.create(t)
	assert.NotEqual(t, req.ID, second.ID)
}

// ── Auto-approval ────────────────────────────────────────────────────────────

func autoStep(index int, userID string, cond *repository.ApprovalCondition) repository.FlowStep {
	return repository.FlowStep{
		Index:         index,
		ApproverType:  repository.ApproverTypeUser,
		ApproverValue: userID,
		AutoApprove:   cond,
	}
}

func TestAutoApprovalSkipsFirstStep(t *testing.T) {
	f := newRequestFixture(t,
		autoStep(0, "lead", &repository.ApprovalCondition{Attribute: "amount", Operator: repository.OpLT, Value: 100_000}),
		userStep(1, "boss"),
	)

	req := f.create(t) // fixture amount is 50 000
	assert.Equal(t, repository.RequestStatusPending, req.Status)
	assert.Equal(t, 1, req.CurrentStepIndex)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.HistoryActionAutoApprove, history[0].Action)
	assert.Equal(t, "system", history[0].ActorID)
	assert.Equal(t, 0, history[0].StepIndex)
}

func TestAutoApprovalConditionNotMet(t *testing.T) {
	f := newRequestFixture(t,
		autoStep(0, "lead", &repository.ApprovalCondition{Attribute: "amount", Operator: repository.OpLT, Value: 10_000}),
		userStep(1, "boss"),
	)

	req := f.create(t) // 50 000 is not below 10 000
	assert.Equal(t, 0, req.CurrentStepIndex)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFullyAutoApprovedRequest(t *testing.T) {
	f := newRequestFixture(t,
		autoStep(0, "lead", &repository.ApprovalCondition{Attribute: "amount", Operator: repository.OpLTE, Value: 50_000}),
	)

	req := f.create(t)
	assert.Equal(t, repository.RequestStatusApproved, req.Status)
	require.NotNil(t, req.ResolvedAt)

	assert.Equal(t, []string{EventRequested, EventApproved}, f.events.types())
}

func TestAutoApprovalAfterHumanStep(t *testing.T) {
	f := newRequestFixture(t,
		userStep(0, "lead"),
		autoStep(1, "boss", &repository.ApprovalCondition{Attribute: "amount", Operator: repository.OpLT, Value: 100_000}),
	)
	lead := f.approver("lead")

	req := f.create(t)
	assert.Equal(t, 0, req.CurrentStepIndex)

	// Approving step 0 advances into step 1, whose condition fires.
	result, err := f.approvals.Approve(context.Background(), lead, req.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusApproved, result.Status)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, repository.HistoryActionApprove, history[0].Action)
	assert.Equal(t, repository.HistoryActionAutoApprove, history[1].Action)
}

func TestAutoApprovalMissingAttributeNeverFires(t *testing.T) {
	f := newRequestFixture(t,
		autoStep(0, "lead", &repository.ApprovalCondition{Attribute: "risk_score", Operator: repository.OpLT, Value: 10}),
		userStep(1, "boss"),
	)

	req := f.create(t)
	assert.Equal(t, 0, req.CurrentStepIndex, "a missing attribute must not satisfy the condition")
}

// ── Reject / return ──────────────────────────────────────────────────────────

func TestRejectRequiresComment(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	boss := f.approver("boss")
	req := f.create(t)

	_, err := f.approvals.Reject(context.Background(), boss, req.ID, "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCommentRequired, errors.CodeOf(err))

	stored, err := f.approvals.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, stored.Status)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	boss := f.approver("boss")
	req := f.create(t)

	result, err := f.approvals.Reject(context.Background(), boss, req.ID, "missing receipts")
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, result.Status)
	require.NotNil(t, result.ResolvedAt)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Comment)
	assert.Equal(t, "missing receipts", *history[0].Comment)

	_, err = f.approvals.Approve(context.Background(), boss, req.ID, nil)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestReturnResetsStepAndResolves(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "lead"), userStep(1, "boss"))
	lead := f.approver("lead")
	boss := f.approver("boss")
	req := f.create(t)

	_, err := f.approvals.Approve(context.Background(), lead, req.ID, nil)
	require.NoError(t, err)

	result, err := f.approvals.Return(context.Background(), boss, req.ID, "needs a cost breakdown")
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusReturned, result.Status)
	assert.Equal(t, 0, result.CurrentStepIndex)

	// A returned request is terminal; the requester starts over.
	second := f.create(t)
	assert.NotEqual(t, req.ID, second.ID)
	assert.Equal(t, repository.RequestStatusPending, second.Status)
}

// ── Cancel ───────────────────────────────────────────────────────────────────

func TestCancelByRequester(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	req := f.create(t)

	result, err := f.approvals.Cancel(context.Background(), f.requester, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusCancelled, result.Status)
	require.NotNil(t, result.ResolvedAt)

	history, err := f.approvals.GetHistory(context.Background(), req.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, repository.HistoryActionCancel, history[0].Action)

	assert.Contains(t, f.events.types(), EventCancelled)
}

func TestCancelByStrangerDenied(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	req := f.create(t)

	_, err := f.approvals.Cancel(context.Background(), &authz.User{ID: "stranger"}, req.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthorizationDenied, errors.CodeOf(err))

	stored, err := f.approvals.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusPending, stored.Status)
}

func TestCancelWithManagementGrant(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	f.grants.Grant("user", "pm", "expense.approval.manage")
	req := f.create(t)

	result, err := f.approvals.Cancel(context.Background(), &authz.User{ID: "pm"}, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusCancelled, result.Status)
}

func TestCancelResolvedRequestFails(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	req := f.create(t)

	_, err := f.approvals.Cancel(context.Background(), f.requester, req.ID)
	require.NoError(t, err)

	_, err = f.approvals.Cancel(context.Background(), f.requester, req.ID)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

// ── Create preconditions ─────────────────────────────────────────────────────

func TestCreateRequestRequiresDraftResource(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	f.attrs.set("expense", "exp-1", authz.ResourceAttributes{
		DepartmentID: "dept-eng",
		CreatedBy:    "requester",
		Status:       authz.ResourceStatusSubmitted,
	})

	_, err := f.approvals.CreateRequest(context.Background(), f.requester,
		&CreateRequestInput{ResourceType: "expense", ResourceID: "exp-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthorizationDenied, errors.CodeOf(err))
}

func TestCreateRequestWithoutFlowFails(t *testing.T) {
	e := newEnv()
	e.grants.Grant("user", "requester", "contract.approval.request")
	e.attrs.set("contract", "c-1", authz.ResourceAttributes{
		CreatedBy: "requester",
		Status:    authz.ResourceStatusDraft,
	})

	_, err := e.approvals.CreateRequest(context.Background(), &authz.User{ID: "requester"},
		&CreateRequestInput{ResourceType: "contract", ResourceID: "c-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNoMatchingFlow, errors.CodeOf(err))
}

func TestCreateRequestValidatesInput(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))

	_, err := f.approvals.CreateRequest(context.Background(), f.requester,
		&CreateRequestInput{ResourceType: "", ResourceID: "exp-1"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

// ── Queries ──────────────────────────────────────────────────────────────────

func TestListPendingForApprover(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "lead"), userStep(1, "boss"))
	lead := f.approver("lead")
	req := f.create(t)

	pending, err := f.approvals.ListPendingForApprover(context.Background(), lead)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	// The boss's step is not current yet.
	pending, err = f.approvals.ListPendingForApprover(context.Background(), &authz.User{ID: "boss"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = f.approvals.Approve(context.Background(), lead, req.ID, nil)
	require.NoError(t, err)

	pending, err = f.approvals.ListPendingForApprover(context.Background(), &authz.User{ID: "boss"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = f.approvals.ListPendingForApprover(context.Background(), lead)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetHistoryUnknownRequest(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))

	_, err := f.approvals.GetHistory(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestListRequestsByResource(t *testing.T) {
	f := newRequestFixture(t, userStep(0, "boss"))
	first := f.create(t)
	_, err := f.approvals.Cancel(context.Background(), f.requester, first.ID)
	require.NoError(t, err)
	second := f.create(t)

	reqs, err := f.approvals.ListRequestsByResource(context.Background(), "expense", "exp-1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, second.ID, reqs[0].ID, "newest first")
}
