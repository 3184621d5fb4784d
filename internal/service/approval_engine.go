package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// ApprovalEngine is the step state machine. A step only ever moves
// pending → approved or pending → rejected; a rejection short-circuits the
// whole chain. The active step is never cached: it is derived on every call
// as the lowest-order pending step whose predecessors are all approved.
type ApprovalEngine struct {
	requests RequestStore
	steps    StepStore
	authz    Authorizer
	log      *logger.Logger
	now      func() time.Time
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(requests RequestStore, steps StepStore, authz Authorizer, log *logger.Logger) *ApprovalEngine {
	return &ApprovalEngine{
		requests: requests,
		steps:    steps,
		authz:    authz,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DecisionResult reports the outcome of one decision.
type DecisionResult struct {
	Request *repository.ResourceRequest
	Step    *repository.ApprovalStep
	// ChainComplete is true when this decision approved the final step.
	ChainComplete bool
	// NextOrder is the order of the step activated by this decision, 0 if none.
	NextOrder int
	// NoOp is true when the call repeated an identical, already-recorded
	// decision and nothing changed.
	NoOp bool
}

// Decide applies an approve/reject decision to the active step of a request.
//
// Duplicate policy: repeating the decision already recorded on a step, by the
// same actor, is a no-op success so that callers can safely retry after an
// ambiguous failure. Any other action on a decided step is an invalid-state
// error.
func (e *ApprovalEngine) Decide(
	ctx context.Context,
	stepID, actorID string,
	decision repository.Decision,
	remarks *string,
) (*DecisionResult, error) {
	if decision != repository.DecisionApprove && decision != repository.DecisionReject {
		return nil, apperr.InvalidInput("decision", "must be approve or reject")
	}
	if actorID == "" {
		return nil, apperr.InvalidInput("actor", "actor is required")
	}
	if decision == repository.DecisionReject && (remarks == nil || *remarks == "") {
		return nil, apperr.InvalidInput("remarks", "rejection remarks are required")
	}

	step, err := e.steps.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	req, err := e.requests.GetRequest(ctx, step.RequestID, step.OrgID)
	if err != nil {
		return nil, err
	}

	if step.Status != repository.StepStatusPending {
		if e.isDuplicate(step, actorID, decision) {
			return &DecisionResult{
				Request:       req,
				Step:          step,
				ChainComplete: req.Status == repository.RequestStatusCompleted && step.FinalDepartment,
				NoOp:          true,
			}, nil
		}
		return nil, apperr.Newf(apperr.CodeInvalidState,
			"step %d has already been decided (status: %s)", step.StepOrder, step.Status)
	}

	if req.Status.Terminal() {
		return nil, apperr.Newf(apperr.CodeInvalidState,
			"request is %s and accepts no further decisions", req.Status)
	}

	all, err := e.steps.GetSteps(ctx, step.RequestID)
	if err != nil {
		return nil, err
	}
	if err := e.assertActive(all, step); err != nil {
		return nil, err
	}

	ok, err := e.authz.IsAuthorized(ctx, actorID, step.DepartmentID, "decide")
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "authorization check failed")
	}
	if !ok {
		return nil, apperr.Newf(apperr.CodeUnauthorized,
			"actor %q may not decide for department %q", actorID, step.DepartmentID)
	}

	now := e.now()
	commit := &repository.DecisionCommit{
		RequestID:       req.ID,
		OrgID:           req.OrgID,
		StepID:          step.ID,
		ApproverID:      actorID,
		DecidedAt:       now,
		Remarks:         remarks,
		ExpectedVersion: req.Version,
	}

	result := &DecisionResult{Request: req, Step: step}

	switch decision {
	case repository.DecisionApprove:
		commit.NewStepStatus = repository.StepStatusApproved
		if step.FinalDepartment {
			commit.NewRequestStatus = repository.RequestStatusCompleted
			commit.CompletedAt = &now
			result.ChainComplete = true
		} else {
			commit.NewRequestStatus = repository.RequestStatusInProgress
			commit.ActivateOrder = step.StepOrder + 1
			result.NextOrder = step.StepOrder + 1
		}
	case repository.DecisionReject:
		commit.NewStepStatus = repository.StepStatusRejected
		commit.NewRequestStatus = repository.RequestStatusRejected
		commit.SkipRemaining = true
	}

	commit.Entries = e.buildEntries(req, step, commit, remarks)

	if err := e.requests.CommitDecision(ctx, commit); err != nil {
		return nil, err
	}

	step.Status = commit.NewStepStatus
	step.ApproverID = &commit.ApproverID
	step.DecidedAt = &commit.DecidedAt
	step.Remarks = remarks
	req.Status = commit.NewRequestStatus
	req.Version++
	req.CompletedAt = commit.CompletedAt

	e.log.Info().
		Str("request_id", req.ID).
		Str("step_id", step.ID).
		Int("step_order", step.StepOrder).
		Str("decision", string(decision)).
		Str("request_status", string(req.Status)).
		Msg("Approval decision recorded")

	return result, nil
}

// isDuplicate reports whether the call repeats the decision already recorded
// on the step, by the same actor.
func (e *ApprovalEngine) isDuplicate(step *repository.ApprovalStep, actorID string, decision repository.Decision) bool {
	if step.ApproverID == nil || *step.ApproverID != actorID {
		return false
	}
	switch step.Status {
	case repository.StepStatusApproved:
		return decision == repository.DecisionApprove
	case repository.StepStatusRejected:
		return decision == repository.DecisionReject
	}
	return false
}

// assertActive verifies that step is the active step of its chain: every
// lower-order step approved, no lower-order step pending.
func (e *ApprovalEngine) assertActive(all []*repository.ApprovalStep, step *repository.ApprovalStep) error {
	for _, s := range all {
		if s.StepOrder >= step.StepOrder {
			continue
		}
		if s.Status != repository.StepStatusApproved {
			return apperr.Newf(apperr.CodeInvalidState,
				"step %d cannot be decided while step %d is %s",
				step.StepOrder, s.StepOrder, s.Status)
		}
	}
	return nil
}

// buildEntries produces the log entries committed with the decision: exactly
// one step-level entry, plus the request-level transition entry.
func (e *ApprovalEngine) buildEntries(
	req *repository.ResourceRequest,
	step *repository.ApprovalStep,
	commit *repository.DecisionCommit,
	remarks *string,
) []*repository.WorkflowLogEntry {
	stepAction := repository.ActionStepApproved
	if commit.NewStepStatus == repository.StepStatusRejected {
		stepAction = repository.ActionStepRejected
	}

	entries := []*repository.WorkflowLogEntry{{
		ID:              uuid.NewString(),
		OrgID:           req.OrgID,
		EntityType:      repository.EntityTypeStep,
		EntityID:        step.ID,
		RequestID:       req.ID,
		Action:          stepAction,
		ResultingStatus: string(commit.NewStepStatus),
		Actor:           commit.ApproverID,
		Detail:          remarks,
		Metadata: map[string]interface{}{
			"step_order":    step.StepOrder,
			"department_id": step.DepartmentID,
		},
	}}

	var requestAction string
	switch commit.NewRequestStatus {
	case repository.RequestStatusInProgress:
		requestAction = repository.ActionStepAdvanced
	case repository.RequestStatusCompleted:
		requestAction = repository.ActionRequestCompleted
	case repository.RequestStatusRejected:
		requestAction = repository.ActionRequestRejected
	}

	entries = append(entries, &repository.WorkflowLogEntry{
		ID:              uuid.NewString(),
		OrgID:           req.OrgID,
		EntityType:      repository.EntityTypeRequest,
		EntityID:        req.ID,
		RequestID:       req.ID,
		Action:          requestAction,
		ResultingStatus: string(commit.NewRequestStatus),
		Actor:           commit.ApproverID,
		Metadata: map[string]interface{}{
			"step_order": step.StepOrder,
		},
	})

	return entries
}
