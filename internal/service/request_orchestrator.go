package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// Notification event types published on workflow transitions.
const (
	EventRequestSubmitted = "request_submitted"
	EventApprovalRequired = "approval_required"
	EventRequestApproved  = "request_approved"
	EventRequestRejected  = "request_rejected"
	EventRequestCancelled = "request_cancelled"
	EventRequestCompleted = "request_completed"
)

// RequestOrchestrator owns a request's lifecycle end to end: it resolves the
// chain, materializes the steps, drives the engine, and hands completed
// requests to fulfillment dispatch. Notification publishing and dispatch run
// after the decision commits and never affect its outcome.
type RequestOrchestrator struct {
	requests RequestStore
	steps    StepStore
	audit    AuditStore
	resolver *ChainResolver
	engine   *ApprovalEngine
	dispatch *FulfillmentDispatch
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// NewRequestOrchestrator creates a new RequestOrchestrator.
func NewRequestOrchestrator(
	requests RequestStore,
	steps StepStore,
	audit AuditStore,
	resolver *ChainResolver,
	engine *ApprovalEngine,
	dispatch *FulfillmentDispatch,
	notifier Notifier,
	log *logger.Logger,
) *RequestOrchestrator {
	return &RequestOrchestrator{
		requests: requests,
		steps:    steps,
		audit:    audit,
		resolver: resolver,
		engine:   engine,
		dispatch: dispatch,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequestInput carries everything needed to open a request.
type CreateRequestInput struct {
	OrgID              string
	RequesterID        string
	OriginDepartmentID string
	RequestType        repository.RequestType
	LaborCount         int
	MaterialCount      int
	EquipmentCount     int
	Priority           repository.Priority
	ActivityID         *string
	Description        *string
}

// CreateRequest validates the input, resolves and snapshots the approval
// chain, activates step 1 and logs the creation, all in one transaction.
func (o *RequestOrchestrator) CreateRequest(ctx context.Context, in *CreateRequestInput) (*repository.ResourceRequest, error) {
	if in.OrgID == "" {
		return nil, apperr.InvalidInput("org_id", "org id is required")
	}
	if in.RequesterID == "" {
		return nil, apperr.InvalidInput("requester_id", "requester is required")
	}
	if in.LaborCount < 0 || in.MaterialCount < 0 || in.EquipmentCount < 0 {
		return nil, apperr.InvalidInput("counts", "resource counts cannot be negative")
	}
	if in.LaborCount+in.MaterialCount+in.EquipmentCount == 0 {
		return nil, apperr.InvalidInput("counts", "request must ask for at least one resource")
	}

	requestType := in.RequestType
	if requestType == "" {
		requestType = deriveRequestType(in.LaborCount, in.MaterialCount, in.EquipmentCount)
	}
	switch requestType {
	case repository.RequestTypeLabor, repository.RequestTypeMaterial,
		repository.RequestTypeEquipment, repository.RequestTypeMixed:
	default:
		return nil, apperr.InvalidInput("request_type", "invalid request type")
	}

	priority := in.Priority
	if priority == "" {
		priority = repository.PriorityMedium
	}
	switch priority {
	case repository.PriorityLow, repository.PriorityMedium,
		repository.PriorityHigh, repository.PriorityUrgent:
	default:
		return nil, apperr.InvalidInput("priority", "invalid priority")
	}

	chain, err := o.resolver.Resolve(ctx, in.OrgID, requestType, in.OriginDepartmentID)
	if err != nil {
		return nil, err
	}

	now := o.now()
	req := &repository.ResourceRequest{
		ID:                 uuid.NewString(),
		OrgID:              in.OrgID,
		RequesterID:        in.RequesterID,
		OriginDepartmentID: in.OriginDepartmentID,
		RequestType:        requestType,
		LaborCount:         in.LaborCount,
		MaterialCount:      in.MaterialCount,
		EquipmentCount:     in.EquipmentCount,
		Priority:           priority,
		ActivityID:         in.ActivityID,
		Description:        in.Description,
		Status:             repository.RequestStatusPending,
		Version:            1,
	}

	steps := make([]*repository.ApprovalStep, 0, len(chain))
	for i, cs := range chain {
		step := &repository.ApprovalStep{
			ID:              uuid.NewString(),
			RequestID:       req.ID,
			OrgID:           req.OrgID,
			DepartmentID:    cs.DepartmentID,
			DepartmentName:  cs.DepartmentName,
			StepOrder:       i + 1,
			FinalDepartment: cs.Final,
			Status:          repository.StepStatusPending,
		}
		if i == 0 {
			activated := now
			step.ActivatedAt = &activated
		}
		steps = append(steps, step)
	}

	entries := []*repository.WorkflowLogEntry{
		{
			ID:              uuid.NewString(),
			OrgID:           req.OrgID,
			EntityType:      repository.EntityTypeRequest,
			EntityID:        req.ID,
			RequestID:       req.ID,
			Action:          repository.ActionRequestCreated,
			ResultingStatus: string(repository.RequestStatusPending),
			Actor:           in.RequesterID,
			Metadata: map[string]interface{}{
				"request_type": string(requestType),
				"chain_length": len(chain),
			},
		},
		{
			ID:              uuid.NewString(),
			OrgID:           req.OrgID,
			EntityType:      repository.EntityTypeStep,
			EntityID:        steps[0].ID,
			RequestID:       req.ID,
			Action:          repository.ActionStepActivated,
			ResultingStatus: string(repository.StepStatusPending),
			Actor:           in.RequesterID,
			Metadata:        map[string]interface{}{"step_order": 1},
		},
	}

	if err := o.requests.CreateRequest(ctx, req, steps, entries); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("request_id", req.ID).
		Str("org_id", req.OrgID).
		Str("request_type", string(requestType)).
		Int("chain_length", len(chain)).
		Msg("Resource request created")

	o.notify(ctx, EventRequestSubmitted, req, in.RequesterID, map[string]interface{}{
		"origin_department_id": in.OriginDepartmentID,
	})
	o.notify(ctx, EventApprovalRequired, req, in.RequesterID, map[string]interface{}{
		"department_id": steps[0].DepartmentID,
		"step_order":    1,
	})

	return req, nil
}

// Decide routes one approval decision through the engine and, when the chain
// completes, triggers fulfillment dispatch. A dispatch failure is logged and
// left to the retry path; the completed status stands because the decision
// history is the source of truth.
func (o *RequestOrchestrator) Decide(
	ctx context.Context,
	stepID, actorID string,
	decision repository.Decision,
	remarks *string,
) (*DecisionResult, error) {
	result, err := o.engine.Decide(ctx, stepID, actorID, decision, remarks)
	if err != nil {
		return nil, err
	}
	if result.NoOp {
		// A repeated final approve is the retry after an ambiguous failure;
		// dispatch is idempotent, so run it again in case the first attempt
		// never created the record.
		if result.ChainComplete {
			if _, err := o.dispatch.OnRequestCompleted(ctx, result.Request.ID, result.Request.OrgID); err != nil {
				o.log.Error().Err(err).
					Str("request_id", result.Request.ID).
					Msg("Fulfillment dispatch failed; completed status retained, dispatch will be retried")
			}
		}
		return result, nil
	}

	req := result.Request
	switch {
	case result.ChainComplete:
		o.notify(ctx, EventRequestApproved, req, actorID, nil)
		if _, err := o.dispatch.OnRequestCompleted(ctx, req.ID, req.OrgID); err != nil {
			o.log.Error().Err(err).
				Str("request_id", req.ID).
				Msg("Fulfillment dispatch failed; completed status retained, dispatch will be retried")
		}
	case req.Status == repository.RequestStatusRejected:
		o.notify(ctx, EventRequestRejected, req, actorID, map[string]interface{}{
			"step_order": result.Step.StepOrder,
		})
	default:
		o.notify(ctx, EventApprovalRequired, req, actorID, map[string]interface{}{
			"step_order": result.NextOrder,
		})
	}

	return result, nil
}

// Cancel administratively rejects a request that is still pending or in
// progress. Remaining steps are skipped and the cancellation is logged with
// its reason.
func (o *RequestOrchestrator) Cancel(ctx context.Context, requestID, orgID, actorID, reason string) error {
	if reason == "" {
		return apperr.InvalidInput("reason", "cancellation reason is required")
	}

	req, err := o.requests.GetRequest(ctx, requestID, orgID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return apperr.Newf(apperr.CodeInvalidState,
			"request is %s and can no longer be cancelled", req.Status)
	}

	detail := fmt.Sprintf("cancelled: %s", reason)
	entries := []*repository.WorkflowLogEntry{{
		ID:              uuid.NewString(),
		OrgID:           orgID,
		EntityType:      repository.EntityTypeRequest,
		EntityID:        req.ID,
		RequestID:       req.ID,
		Action:          repository.ActionRequestCancelled,
		ResultingStatus: string(repository.RequestStatusRejected),
		Actor:           actorID,
		Detail:          &detail,
		Metadata:        map[string]interface{}{"reason": reason},
	}}

	if err := o.requests.CancelRequest(ctx, requestID, orgID, req.Version, entries); err != nil {
		return err
	}

	o.log.Info().
		Str("request_id", requestID).
		Str("actor", actorID).
		Str("reason", reason).
		Msg("Request cancelled")

	req.Status = repository.RequestStatusRejected
	o.notify(ctx, EventRequestCancelled, req, actorID, map[string]interface{}{"reason": reason})

	return nil
}

// RequestSnapshot is the queryable view of a request and its chain.
type RequestSnapshot struct {
	Request *repository.ResourceRequest
	Steps   []*repository.ApprovalStep
	// ActiveStepOrder is the order of the step currently eligible for a
	// decision, 0 when the request is terminal.
	ActiveStepOrder int
}

// GetStatus returns a request with its steps and the derived active step.
func (o *RequestOrchestrator) GetStatus(ctx context.Context, requestID, orgID string) (*RequestSnapshot, error) {
	req, err := o.requests.GetRequest(ctx, requestID, orgID)
	if err != nil {
		return nil, err
	}
	steps, err := o.steps.GetSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}

	snapshot := &RequestSnapshot{Request: req, Steps: steps}
	for _, s := range steps {
		if s.Status == repository.StepStatusPending {
			snapshot.ActiveStepOrder = s.StepOrder
			break
		}
		if s.Status != repository.StepStatusApproved {
			break
		}
	}
	return snapshot, nil
}

// History returns the chronological audit trail for a request.
func (o *RequestOrchestrator) History(ctx context.Context, requestID, orgID string) ([]*repository.WorkflowLogEntry, error) {
	if _, err := o.requests.GetRequest(ctx, requestID, orgID); err != nil {
		return nil, err
	}
	return o.audit.GetByRequestID(ctx, requestID, orgID)
}

// PendingForDepartment returns the steps a department can act on right now.
func (o *RequestOrchestrator) PendingForDepartment(ctx context.Context, orgID, departmentID string) ([]*repository.ApprovalStep, error) {
	return o.steps.GetPendingForDepartment(ctx, orgID, departmentID)
}

// notify publishes a workflow event, best-effort.
func (o *RequestOrchestrator) notify(ctx context.Context, eventType string, req *repository.ResourceRequest, actorID string, payload map[string]interface{}) {
	if o.notifier == nil {
		return
	}
	o.notifier.PublishRequestEvent(ctx, eventType, req.ID, req.OrgID, actorID,
		[]string{req.RequesterID}, payload)
}

// deriveRequestType classifies a request by which resource counts are set.
func deriveRequestType(labor, material, equipment int) repository.RequestType {
	kinds := 0
	var rt repository.RequestType
	if labor > 0 {
		kinds++
		rt = repository.RequestTypeLabor
	}
	if material > 0 {
		kinds++
		rt = repository.RequestTypeMaterial
	}
	if equipment > 0 {
		kinds++
		rt = repository.RequestTypeEquipment
	}
	if kinds > 1 {
		return repository.RequestTypeMixed
	}
	return rt
}
