package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

func TestOrchestrator_CreateRequestMaterializesChain(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	assert.Equal(t, repository.RequestStatusPending, req.Status)
	assert.EqualValues(t, 1, req.Version)
	require.Len(t, steps, 3)

	for i, step := range steps {
		assert.Equal(t, i+1, step.StepOrder, "orders are gapless from 1")
		assert.Equal(t, repository.StepStatusPending, step.Status)
	}
	assert.NotNil(t, steps[0].ActivatedAt, "step 1 activates at creation")
	assert.Nil(t, steps[1].ActivatedAt)
	assert.True(t, steps[2].FinalDepartment)

	entries, err := env.store.GetByRequestID(ctx, req.ID, testOrg)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, repository.ActionRequestCreated, entries[0].Action)
	assert.Equal(t, repository.ActionStepActivated, entries[1].Action)

	assert.Equal(t, []string{EventRequestSubmitted, EventApprovalRequired}, env.notifier.eventTypes())
}

func TestOrchestrator_CreateRequestValidation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateRequestInput
	}{
		{"negative count", CreateRequestInput{
			OrgID: testOrg, RequesterID: "u", OriginDepartmentID: deptSite,
			RequestType: repository.RequestTypeMaterial, MaterialCount: -1,
		}},
		{"zero resources", CreateRequestInput{
			OrgID: testOrg, RequesterID: "u", OriginDepartmentID: deptSite,
			RequestType: repository.RequestTypeMaterial,
		}},
		{"missing requester", CreateRequestInput{
			OrgID: testOrg, OriginDepartmentID: deptSite,
			RequestType: repository.RequestTypeMaterial, MaterialCount: 5,
		}},
		{"bad priority", CreateRequestInput{
			OrgID: testOrg, RequesterID: "u", OriginDepartmentID: deptSite,
			RequestType: repository.RequestTypeMaterial, MaterialCount: 5,
			Priority: repository.Priority("asap"),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.orchestrator.CreateRequest(ctx, &tc.in)
			require.Error(t, err)
			assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
		})
	}
}

func TestOrchestrator_DerivesRequestType(t *testing.T) {
	env := newTestEnv()
	origin := deptSite
	env.rules.rules = append(env.rules.rules, &repository.ChainRule{
		ID: "rule-mixed", OrgID: testOrg, RuleName: "mixed-from-site",
		RequestType:        repository.RequestTypeMixed,
		OriginDepartmentID: &origin,
		Chain:              []repository.ChainRuleStep{{Order: 1, DepartmentID: deptEng}},
		IsActive:           true,
	})

	req, err := env.orchestrator.CreateRequest(context.Background(), &CreateRequestInput{
		OrgID:              testOrg,
		RequesterID:        "user-foreman",
		OriginDepartmentID: deptSite,
		LaborCount:         3,
		EquipmentCount:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, repository.RequestTypeMixed, req.RequestType)
	assert.Equal(t, repository.PriorityMedium, req.Priority, "priority defaults to medium")
}

// Scenario A: approve, approve, reject.
func TestOrchestrator_RejectionShortCircuits(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	_, err = env.orchestrator.Decide(ctx, steps[0].ID, "user-eng", repository.DecisionApprove, nil)
	require.NoError(t, err)
	_, err = env.orchestrator.Decide(ctx, steps[1].ID, "user-proc", repository.DecisionApprove, nil)
	require.NoError(t, err)
	result, err := env.orchestrator.Decide(ctx, steps[2].ID, "user-fin", repository.DecisionReject, strptr("no budget line"))
	require.NoError(t, err)

	assert.Equal(t, repository.RequestStatusRejected, result.Request.Status)

	entries, err := env.store.GetByRequestID(ctx, req.ID, testOrg)
	require.NoError(t, err)
	var decisions int
	for _, e := range entries {
		if e.Action == repository.ActionStepApproved || e.Action == repository.ActionStepRejected {
			decisions++
		}
	}
	assert.Equal(t, 3, decisions, "one decision entry per decision")

	_, err = env.store.GetByRequestIDFulfillment(ctx, req.ID, testOrg)
	require.Error(t, err, "rejected requests get no fulfillment record")
}

// Scenario B: approve all three.
func TestOrchestrator_FullApprovalCompletesAndFulfills(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	_, err = env.orchestrator.Decide(ctx, steps[0].ID, "user-eng", repository.DecisionApprove, nil)
	require.NoError(t, err)
	_, err = env.orchestrator.Decide(ctx, steps[1].ID, "user-proc", repository.DecisionApprove, nil)
	require.NoError(t, err)
	result, err := env.orchestrator.Decide(ctx, steps[2].ID, "user-fin", repository.DecisionApprove, nil)
	require.NoError(t, err)

	assert.True(t, result.ChainComplete)
	assert.Equal(t, repository.RequestStatusCompleted, result.Request.Status)
	require.NotNil(t, result.Request.CompletedAt)

	rec, err := env.store.GetByRequestIDFulfillment(ctx, req.ID, testOrg)
	require.NoError(t, err)
	assert.Equal(t, steps[2].ID, rec.StepID, "fulfillment references the terminal step")
	assert.Equal(t, repository.FulfillmentKindDelivery, rec.Kind)
	assert.Equal(t, 40, rec.Quantity)

	entries, err := env.store.GetByRequestID(ctx, req.ID, testOrg)
	require.NoError(t, err)
	var decisions int
	var completed, fulfilled bool
	for _, e := range entries {
		switch e.Action {
		case repository.ActionStepApproved, repository.ActionStepRejected:
			decisions++
		case repository.ActionRequestCompleted:
			completed = true
		case repository.ActionFulfillmentMade:
			fulfilled = true
		}
	}
	assert.Equal(t, 3, decisions)
	assert.True(t, completed)
	assert.True(t, fulfilled)
}

func TestOrchestrator_RepeatedFinalApproveRetriesDispatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	_, err = env.orchestrator.Decide(ctx, steps[0].ID, "user-eng", repository.DecisionApprove, nil)
	require.NoError(t, err)
	_, err = env.orchestrator.Decide(ctx, steps[1].ID, "user-proc", repository.DecisionApprove, nil)
	require.NoError(t, err)

	// Dispatch fails on completion; the decision stands, no record exists.
	env.store.failNextFulfillmentCreate = errors.New("fulfillment store unavailable")
	result, err := env.orchestrator.Decide(ctx, steps[2].ID, "user-fin", repository.DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.ChainComplete)
	_, err = env.store.GetByRequestIDFulfillment(ctx, req.ID, testOrg)
	require.Error(t, err)

	// The same actor repeating the final approve is the retry path: a no-op
	// decision that still drives the idempotent dispatch.
	result, err = env.orchestrator.Decide(ctx, steps[2].ID, "user-fin", repository.DecisionApprove, nil)
	require.NoError(t, err)
	assert.True(t, result.NoOp)

	rec, err := env.store.GetByRequestIDFulfillment(ctx, req.ID, testOrg)
	require.NoError(t, err)
	assert.Equal(t, steps[2].ID, rec.StepID)
	assert.Contains(t, env.notifier.eventTypes(), EventRequestCompleted)
}

func TestOrchestrator_SingleActiveStepInvariant(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, _, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	assertInvariant := func() {
		snapshot, err := env.orchestrator.GetStatus(ctx, req.ID, testOrg)
		require.NoError(t, err)
		if snapshot.Request.Status.Terminal() {
			assert.Zero(t, snapshot.ActiveStepOrder, "terminal requests have no active step")
			return
		}
		assert.NotZero(t, snapshot.ActiveStepOrder)
		for _, s := range snapshot.Steps {
			if s.StepOrder < snapshot.ActiveStepOrder {
				assert.Equal(t, repository.StepStatusApproved, s.Status)
			}
		}
	}

	assertInvariant()
	for _, actor := range []string{"user-eng", "user-proc", "user-fin"} {
		snapshot, err := env.orchestrator.GetStatus(ctx, req.ID, testOrg)
		require.NoError(t, err)
		active := snapshot.Steps[snapshot.ActiveStepOrder-1]
		_, err = env.orchestrator.Decide(ctx, active.ID, actor, repository.DecisionApprove, nil)
		require.NoError(t, err)
		assertInvariant()
	}
}

// Scenario D: cancel while in progress.
func TestOrchestrator_CancelInProgress(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	_, err = env.orchestrator.Decide(ctx, steps[0].ID, "user-eng", repository.DecisionApprove, nil)
	require.NoError(t, err)

	err = env.orchestrator.Cancel(ctx, req.ID, testOrg, "user-admin", "project descoped")
	require.NoError(t, err)

	snapshot, err := env.orchestrator.GetStatus(ctx, req.ID, testOrg)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestStatusRejected, snapshot.Request.Status)
	assert.Zero(t, snapshot.ActiveStepOrder)
	assert.Equal(t, repository.StepStatusApproved, snapshot.Steps[0].Status)
	assert.Equal(t, repository.StepStatusSkipped, snapshot.Steps[1].Status)
	assert.Equal(t, repository.StepStatusSkipped, snapshot.Steps[2].Status)

	entries, err := env.store.GetByRequestID(ctx, req.ID, testOrg)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, repository.ActionRequestCancelled, last.Action)
	assert.Equal(t, "project descoped", last.Metadata["reason"])

	// Cancelled requests stay queryable but decline further work.
	err = env.orchestrator.Cancel(ctx, req.ID, testOrg, "user-admin", "again")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))

	_, err = env.orchestrator.Decide(ctx, steps[1].ID, "user-proc", repository.DecisionApprove, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestOrchestrator_CancelCompletedNotPermitted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	req, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	for i, actor := range []string{"user-eng", "user-proc", "user-fin"} {
		_, err = env.orchestrator.Decide(ctx, steps[i].ID, actor, repository.DecisionApprove, nil)
		require.NoError(t, err)
	}

	err = env.orchestrator.Cancel(ctx, req.ID, testOrg, "user-admin", "too late")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidState, apperr.CodeOf(err))
}

func TestOrchestrator_PendingForDepartmentTracksActiveStep(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	_, steps, err := env.createMaterialRequest(ctx)
	require.NoError(t, err)

	pending, err := env.orchestrator.PendingForDepartment(ctx, testOrg, deptEng)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Step 2 is materialized pending but not yet active.
	pending, err = env.orchestrator.PendingForDepartment(ctx, testOrg, deptProc)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = env.orchestrator.Decide(ctx, steps[0].ID, "user-eng", repository.DecisionApprove, nil)
	require.NoError(t, err)

	pending, err = env.orchestrator.PendingForDepartment(ctx, testOrg, deptProc)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, steps[1].ID, pending[0].ID)
}

func TestOrchestrator_NoChainConfiguredFailsCreation(t *testing.T) {
	env := newTestEnv()

	_, err := env.orchestrator.CreateRequest(context.Background(), &CreateRequestInput{
		OrgID:              testOrg,
		RequesterID:        "user-foreman",
		OriginDepartmentID: deptSite,
		RequestType:        repository.RequestTypeEquipment,
		EquipmentCount:     2,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConfiguration, apperr.CodeOf(err))
	assert.Empty(t, env.notifier.eventTypes(), "failed creation publishes nothing")
}
