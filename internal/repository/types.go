package repository

import "time"

// ── Domain types for the resource request workflow ───────────────────────────

// RequestType classifies a resource request by what it asks for.
type RequestType string

const (
	RequestTypeLabor     RequestType = "labor"
	RequestTypeMaterial  RequestType = "material"
	RequestTypeEquipment RequestType = "equipment"
	RequestTypeMixed     RequestType = "mixed"
)

// RequestStatus is the lifecycle state of a resource request. It is a pure
// function of the request's step statuses.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"     // chain resolved, first step awaiting decision
	RequestStatusInProgress RequestStatus = "in_progress" // at least one step approved, more remain
	RequestStatusCompleted  RequestStatus = "completed"   // terminal: final step approved
	RequestStatusRejected   RequestStatus = "rejected"    // terminal: any step rejected or request cancelled
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusRejected
}

// StepStatus is the state of a single approval step.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusApproved StepStatus = "approved"
	StepStatusRejected StepStatus = "rejected"
	// StepStatusSkipped marks steps after a rejection or cancellation. They
	// were never eligible for a decision; the rows are kept for the audit trail.
	StepStatusSkipped StepStatus = "skipped"
)

// Decision is an approval action requested by an actor.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Priority orders requests for the departments working through them.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// FulfillmentKind is the downstream record created when a chain completes.
type FulfillmentKind string

const (
	FulfillmentKindDelivery         FulfillmentKind = "delivery"
	FulfillmentKindDispatch         FulfillmentKind = "dispatch"
	FulfillmentKindStoreRequisition FulfillmentKind = "store_requisition"
)

// FulfillmentStatus tracks the operational state of a fulfillment record.
// Transitions past "pending" belong to operational tooling, not this service.
type FulfillmentStatus string

const (
	FulfillmentStatusPending   FulfillmentStatus = "pending"
	FulfillmentStatusFulfilled FulfillmentStatus = "fulfilled"
	FulfillmentStatusCancelled FulfillmentStatus = "cancelled"
)

// EntityType identifies what a workflow log entry is about.
type EntityType string

const (
	EntityTypeRequest EntityType = "request"
	EntityTypeStep    EntityType = "approval_step"
)

// Workflow log actions.
const (
	ActionRequestCreated   = "request_created"
	ActionStepActivated    = "step_activated"
	ActionStepApproved     = "step_approved"
	ActionStepRejected     = "step_rejected"
	ActionStepAdvanced     = "step_advanced"
	ActionRequestCompleted = "request_completed"
	ActionRequestRejected  = "request_rejected"
	ActionRequestCancelled = "request_cancelled"
	ActionFulfillmentMade  = "fulfillment_created"
)

// ResourceRequest is a resource need raised by a requester and routed through
// an ordered chain of departments. Mutated only through the orchestrator.
type ResourceRequest struct {
	ID                 string
	OrgID              string
	RequesterID        string
	OriginDepartmentID string
	RequestType        RequestType
	LaborCount         int
	MaterialCount      int
	EquipmentCount     int
	Priority           Priority
	ActivityID         *string
	Description        *string
	Status             RequestStatus
	// Version is the optimistic concurrency counter; every status transition
	// must name the version it read.
	Version     int64
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ApprovalStep is one node in a request's approval chain. The chain is
// snapshotted at request creation and only statuses change afterwards.
type ApprovalStep struct {
	ID             string
	RequestID      string
	OrgID          string
	DepartmentID   string
	DepartmentName string
	StepOrder      int // 1..n, gapless, unique within the request
	// FinalDepartment marks the terminal step; approving it completes the request.
	FinalDepartment bool
	Status          StepStatus
	ApproverID      *string
	DecidedAt       *time.Time
	Remarks         *string
	ActivatedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkflowLogEntry is one immutable record in the workflow audit log.
type WorkflowLogEntry struct {
	ID              string
	OrgID           string
	EntityType      EntityType
	EntityID        string
	RequestID       string
	Action          string
	ResultingStatus string
	Actor           string
	Detail          *string
	Metadata        map[string]interface{}
	PerformedAt     time.Time
}

// FulfillmentRecord is created exactly once per completed request, keyed
// unique on the request id, referencing the terminal approval step.
type FulfillmentRecord struct {
	ID            string
	RequestID     string
	OrgID         string
	StepID        string
	Kind          FulfillmentKind
	Quantity      int
	EstimatedCost int64 // cents
	Status        FulfillmentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChainRuleStep is one entry in a chain rule's departments JSONB array.
type ChainRuleStep struct {
	Order        int    `json:"order"`
	DepartmentID string `json:"department_id"`
}

// ChainRule configures the approval path for a (request type, origin
// department) pair within an org. Lower priority evaluates first.
type ChainRule struct {
	ID          string
	OrgID       string
	RuleName    string
	RequestType RequestType
	// OriginDepartmentID narrows the rule to one origin; nil matches any.
	OriginDepartmentID *string
	Chain              []ChainRuleStep
	Priority           int
	IsActive           bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ChainStep is one resolved node of an approval chain, snapshotted by value
// into ApprovalStep rows at request creation.
type ChainStep struct {
	DepartmentID   string
	DepartmentName string
	Final          bool
}

// Department is a row in the org's department directory.
type Department struct {
	ID        string
	OrgID     string
	Name      string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DecisionCommit is the full write set of one approval decision, applied in a
// single transaction with compare-and-swap preconditions on both the step
// and the request.
type DecisionCommit struct {
	RequestID string
	OrgID     string

	StepID        string
	NewStepStatus StepStatus
	ApproverID    string
	DecidedAt     time.Time
	Remarks       *string

	NewRequestStatus RequestStatus
	// ExpectedVersion is the request version read before deciding; the commit
	// fails with a conflict when another writer has advanced it.
	ExpectedVersion int64
	CompletedAt     *time.Time

	// SkipRemaining marks all still-pending steps as skipped (rejection path).
	SkipRemaining bool
	// ActivateOrder, when > 0, stamps activated_at on the step at that order.
	ActivateOrder int

	Entries []*WorkflowLogEntry
}
