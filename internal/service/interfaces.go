package service

import (
	"context"

	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// Consumer-side interfaces for the stores and external collaborators the
// workflow services depend on. The pgx repositories satisfy them in
// production; tests substitute in-memory fakes.

// RequestStore persists resource requests and owns the transactional
// composites that mutate a request together with its steps and log entries.
type RequestStore interface {
	CreateRequest(ctx context.Context, req *repository.ResourceRequest, steps []*repository.ApprovalStep, entries []*repository.WorkflowLogEntry) error
	GetRequest(ctx context.Context, id, orgID string) (*repository.ResourceRequest, error)
	CommitDecision(ctx context.Context, c *repository.DecisionCommit) error
	CancelRequest(ctx context.Context, requestID, orgID string, expectedVersion int64, entries []*repository.WorkflowLogEntry) error
}

// StepStore reads approval steps.
type StepStore interface {
	GetStep(ctx context.Context, stepID string) (*repository.ApprovalStep, error)
	GetSteps(ctx context.Context, requestID string) ([]*repository.ApprovalStep, error)
	GetPendingForDepartment(ctx context.Context, orgID, departmentID string) ([]*repository.ApprovalStep, error)
}

// AuditStore reads the workflow log and appends entries that stand alone
// (entries tied to a state change go through the RequestStore composites).
type AuditStore interface {
	Append(ctx context.Context, entry *repository.WorkflowLogEntry) error
	GetByRequestID(ctx context.Context, requestID, orgID string) ([]*repository.WorkflowLogEntry, error)
}

// FulfillmentStore persists fulfillment records, unique per request. The
// record and its log entry are written atomically; a duplicate appends nothing.
type FulfillmentStore interface {
	CreateIfAbsent(ctx context.Context, rec *repository.FulfillmentRecord, entry *repository.WorkflowLogEntry) (bool, error)
	GetByRequestID(ctx context.Context, requestID, orgID string) (*repository.FulfillmentRecord, error)
}

// ChainRuleStore resolves the configured approval path for a request.
type ChainRuleStore interface {
	FindMatching(ctx context.Context, orgID string, requestType repository.RequestType, originDepartmentID string) (*repository.ChainRule, error)
}

// DepartmentStore reads the department directory.
type DepartmentStore interface {
	GetDepartment(ctx context.Context, id, orgID string) (*repository.Department, error)
	GetDepartments(ctx context.Context, orgID string, ids []string) (map[string]*repository.Department, error)
}

// Authorizer checks whether an actor may act for a department. The engine
// treats the answer as pre-verified; how it is computed is the platform's
// concern.
type Authorizer interface {
	IsAuthorized(ctx context.Context, actorID, departmentID, action string) (bool, error)
}

// Notifier delivers workflow events, best-effort. Implementations never
// return errors to the caller; failures are logged and swallowed.
type Notifier interface {
	PublishRequestEvent(ctx context.Context, eventType, requestID, orgID, actorID string, recipients []string, payload map[string]interface{})
}
