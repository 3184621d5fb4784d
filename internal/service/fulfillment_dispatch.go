package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// FulfillmentDispatch creates the downstream record once a request's chain
// completes. Exactly one record per completed request: the store enforces
// uniqueness on the request id, so retries and duplicate triggers collapse
// onto the first record.
//
// Kind policy: any equipment requested → dispatch; otherwise any material →
// delivery; otherwise (labor only) → store requisition.
type FulfillmentDispatch struct {
	requests     RequestStore
	steps        StepStore
	fulfillments FulfillmentStore
	notifier     Notifier
	log          *logger.Logger
	now          func() time.Time
}

// NewFulfillmentDispatch creates a new FulfillmentDispatch.
func NewFulfillmentDispatch(
	requests RequestStore,
	steps StepStore,
	fulfillments FulfillmentStore,
	notifier Notifier,
	log *logger.Logger,
) *FulfillmentDispatch {
	return &FulfillmentDispatch{
		requests:     requests,
		steps:        steps,
		fulfillments: fulfillments,
		notifier:     notifier,
		log:          log,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// OnRequestCompleted creates (or returns the existing) fulfillment record for
// a completed request. Idempotent and separately retryable; it never touches
// approval state.
func (d *FulfillmentDispatch) OnRequestCompleted(ctx context.Context, requestID, orgID string) (*repository.FulfillmentRecord, error) {
	req, err := d.requests.GetRequest(ctx, requestID, orgID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.RequestStatusCompleted {
		return nil, apperr.Newf(apperr.CodeInvalidState,
			"request is %s, fulfillment requires a completed request", req.Status)
	}

	steps, err := d.steps.GetSteps(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var terminal *repository.ApprovalStep
	for _, s := range steps {
		if s.FinalDepartment && s.Status == repository.StepStatusApproved {
			terminal = s
			break
		}
	}
	if terminal == nil {
		// Completed without an approved final step would mean corrupted state.
		return nil, apperr.New(apperr.CodeInternal, "completed request has no approved terminal step")
	}

	kind, quantity := classifyFulfillment(req)
	rec := &repository.FulfillmentRecord{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		OrgID:     req.OrgID,
		StepID:    terminal.ID,
		Kind:      kind,
		Quantity:  quantity,
		Status:    repository.FulfillmentStatusPending,
	}

	entry := &repository.WorkflowLogEntry{
		ID:              uuid.NewString(),
		OrgID:           req.OrgID,
		EntityType:      repository.EntityTypeRequest,
		EntityID:        req.ID,
		RequestID:       req.ID,
		Action:          repository.ActionFulfillmentMade,
		ResultingStatus: string(repository.RequestStatusCompleted),
		Actor:           "system",
		Metadata: map[string]interface{}{
			"fulfillment_id":   rec.ID,
			"fulfillment_kind": string(kind),
		},
	}

	// Record and entry commit together; a failed log write rolls both back
	// and leaves the retry path open.
	created, err := d.fulfillments.CreateIfAbsent(ctx, rec, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		d.log.Debug().
			Str("request_id", req.ID).
			Str("fulfillment_id", rec.ID).
			Msg("Fulfillment record already exists; dispatch is a no-op")
		return rec, nil
	}

	d.log.Info().
		Str("request_id", req.ID).
		Str("fulfillment_id", rec.ID).
		Str("kind", string(kind)).
		Int("quantity", quantity).
		Msg("Fulfillment record created")

	if d.notifier != nil {
		d.notifier.PublishRequestEvent(ctx, EventRequestCompleted, req.ID, req.OrgID, "system",
			[]string{req.RequesterID}, map[string]interface{}{
				"fulfillment_id":   rec.ID,
				"fulfillment_kind": string(kind),
			})
	}

	return rec, nil
}

// classifyFulfillment picks the record kind and quantity from the request's
// resource composition, in fixed precedence.
func classifyFulfillment(req *repository.ResourceRequest) (repository.FulfillmentKind, int) {
	switch {
	case req.EquipmentCount > 0:
		return repository.FulfillmentKindDispatch, req.EquipmentCount
	case req.MaterialCount > 0:
		return repository.FulfillmentKindDelivery, req.MaterialCount
	default:
		return repository.FulfillmentKindStoreRequisition, req.LaborCount
	}
}
