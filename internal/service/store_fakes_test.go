package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// memStore is an in-memory implementation of RequestStore, StepStore,
// AuditStore and FulfillmentStore with the same compare-and-swap semantics as
// the pgx repositories, so concurrency behavior can be tested for real.
type memStore struct {
	mu             sync.Mutex
	requests       map[string]*repository.ResourceRequest
	steps          map[string]*repository.ApprovalStep
	stepsByRequest map[string][]string
	entries        []*repository.WorkflowLogEntry
	fulfillments   map[string]*repository.FulfillmentRecord

	// beforeCommit, when set, runs at the top of CommitDecision before the
	// lock is taken. Tests use it as a barrier to force a decision race.
	beforeCommit func()

	// failNextFulfillmentCreate, when set, fails the next CreateIfAbsent with
	// this error and leaves nothing persisted, like a rolled-back transaction.
	failNextFulfillmentCreate error
}

func newMemStore() *memStore {
	return &memStore{
		requests:       make(map[string]*repository.ResourceRequest),
		steps:          make(map[string]*repository.ApprovalStep),
		stepsByRequest: make(map[string][]string),
		fulfillments:   make(map[string]*repository.FulfillmentRecord),
	}
}

// ── RequestStore ──────────────────────────────────────────────────────────────

func (m *memStore) CreateRequest(_ context.Context, req *repository.ResourceRequest, steps []*repository.ApprovalStep, entries []*repository.WorkflowLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	stored := *req
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.requests[req.ID] = &stored

	for _, step := range steps {
		s := *step
		s.CreatedAt = now
		s.UpdatedAt = now
		m.steps[step.ID] = &s
		m.stepsByRequest[req.ID] = append(m.stepsByRequest[req.ID], step.ID)
	}
	m.appendEntriesLocked(entries)
	return nil
}

func (m *memStore) GetRequest(_ context.Context, id, orgID string) (*repository.ResourceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.OrgID != orgID {
		return nil, apperr.NotFound("request", id)
	}
	cp := *req
	return &cp, nil
}

func (m *memStore) CommitDecision(_ context.Context, c *repository.DecisionCommit) error {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[c.StepID]
	if !ok || step.Status != repository.StepStatusPending {
		return apperr.New(apperr.CodeConflict, "step was decided concurrently")
	}
	req, ok := m.requests[c.RequestID]
	if !ok || req.Version != c.ExpectedVersion {
		return apperr.New(apperr.CodeConflict, "request was modified concurrently")
	}

	step.Status = c.NewStepStatus
	step.ApproverID = &c.ApproverID
	decidedAt := c.DecidedAt
	step.DecidedAt = &decidedAt
	step.Remarks = c.Remarks
	step.UpdatedAt = time.Now().UTC()

	req.Status = c.NewRequestStatus
	req.Version++
	req.CompletedAt = c.CompletedAt
	req.UpdatedAt = step.UpdatedAt

	if c.SkipRemaining {
		for _, id := range m.stepsByRequest[c.RequestID] {
			if s := m.steps[id]; s.Status == repository.StepStatusPending {
				s.Status = repository.StepStatusSkipped
			}
		}
	}
	if c.ActivateOrder > 0 {
		for _, id := range m.stepsByRequest[c.RequestID] {
			if s := m.steps[id]; s.StepOrder == c.ActivateOrder && s.Status == repository.StepStatusPending {
				now := time.Now().UTC()
				s.ActivatedAt = &now
			}
		}
	}

	m.appendEntriesLocked(c.Entries)
	return nil
}

func (m *memStore) CancelRequest(_ context.Context, requestID, orgID string, expectedVersion int64, entries []*repository.WorkflowLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok || req.OrgID != orgID || req.Version != expectedVersion || req.Status.Terminal() {
		return apperr.New(apperr.CodeConflict, "request was modified concurrently")
	}

	req.Status = repository.RequestStatusRejected
	req.Version++
	for _, id := range m.stepsByRequest[requestID] {
		if s := m.steps[id]; s.Status == repository.StepStatusPending {
			s.Status = repository.StepStatusSkipped
		}
	}
	m.appendEntriesLocked(entries)
	return nil
}

// ── StepStore ─────────────────────────────────────────────────────────────────

func (m *memStore) GetStep(_ context.Context, stepID string) (*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepID]
	if !ok {
		return nil, apperr.NotFound("approval_step", stepID)
	}
	cp := *step
	return &cp, nil
}

func (m *memStore) GetSteps(_ context.Context, requestID string) ([]*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stepsLocked(requestID), nil
}

func (m *memStore) stepsLocked(requestID string) []*repository.ApprovalStep {
	var steps []*repository.ApprovalStep
	for _, id := range m.stepsByRequest[requestID] {
		cp := *m.steps[id]
		steps = append(steps, &cp)
	}
	return steps
}

func (m *memStore) GetPendingForDepartment(_ context.Context, orgID, departmentID string) ([]*repository.ApprovalStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.ApprovalStep
	for reqID, req := range m.requests {
		if req.OrgID != orgID || req.Status.Terminal() {
			continue
		}
		for _, s := range m.stepsLocked(reqID) {
			if s.DepartmentID != departmentID || s.Status != repository.StepStatusPending {
				continue
			}
			if m.activeOrderLocked(reqID) == s.StepOrder {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (m *memStore) activeOrderLocked(requestID string) int {
	for _, s := range m.stepsLocked(requestID) {
		if s.Status == repository.StepStatusPending {
			return s.StepOrder
		}
		if s.Status != repository.StepStatusApproved {
			return 0
		}
	}
	return 0
}

// ── AuditStore ────────────────────────────────────────────────────────────────

func (m *memStore) Append(_ context.Context, entry *repository.WorkflowLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEntriesLocked([]*repository.WorkflowLogEntry{entry})
	return nil
}

func (m *memStore) GetByRequestID(_ context.Context, requestID, orgID string) ([]*repository.WorkflowLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*repository.WorkflowLogEntry
	for _, e := range m.entries {
		if e.RequestID == requestID && e.OrgID == orgID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) appendEntriesLocked(entries []*repository.WorkflowLogEntry) {
	for _, e := range entries {
		cp := *e
		cp.PerformedAt = time.Now().UTC()
		m.entries = append(m.entries, &cp)
	}
}

// ── FulfillmentStore ──────────────────────────────────────────────────────────

func (m *memStore) CreateIfAbsent(_ context.Context, rec *repository.FulfillmentRecord, entry *repository.WorkflowLogEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failNextFulfillmentCreate; err != nil {
		m.failNextFulfillmentCreate = nil
		return false, err
	}

	if existing, ok := m.fulfillments[rec.RequestID]; ok {
		*rec = *existing
		return false, nil
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	m.fulfillments[rec.RequestID] = &cp
	m.appendEntriesLocked([]*repository.WorkflowLogEntry{entry})
	return true, nil
}

func (m *memStore) GetByRequestIDFulfillment(_ context.Context, requestID, orgID string) (*repository.FulfillmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.fulfillments[requestID]
	if !ok || rec.OrgID != orgID {
		return nil, apperr.NotFound("fulfillment_record", requestID)
	}
	cp := *rec
	return &cp, nil
}

// fulfillmentView adapts memStore to FulfillmentStore, whose GetByRequestID
// signature collides with the AuditStore method of the same name.
type fulfillmentView struct{ *memStore }

func (v fulfillmentView) GetByRequestID(ctx context.Context, requestID, orgID string) (*repository.FulfillmentRecord, error) {
	return v.memStore.GetByRequestIDFulfillment(ctx, requestID, orgID)
}

// ── Rule and department fakes ─────────────────────────────────────────────────

type fakeRuleStore struct {
	rules []*repository.ChainRule
}

func (f *fakeRuleStore) FindMatching(_ context.Context, orgID string, requestType repository.RequestType, originDepartmentID string) (*repository.ChainRule, error) {
	for _, rule := range f.rules {
		if !rule.IsActive || rule.OrgID != orgID || rule.RequestType != requestType {
			continue
		}
		if rule.OriginDepartmentID != nil && *rule.OriginDepartmentID != originDepartmentID {
			continue
		}
		return rule, nil
	}
	return nil, nil
}

type fakeDepartmentStore struct {
	departments map[string]*repository.Department
}

func (f *fakeDepartmentStore) GetDepartment(_ context.Context, id, orgID string) (*repository.Department, error) {
	d, ok := f.departments[id]
	if !ok || d.OrgID != orgID {
		return nil, apperr.NotFound("department", id)
	}
	return d, nil
}

func (f *fakeDepartmentStore) GetDepartments(_ context.Context, orgID string, ids []string) (map[string]*repository.Department, error) {
	out := make(map[string]*repository.Department)
	for _, id := range ids {
		if d, ok := f.departments[id]; ok && d.OrgID == orgID {
			out[id] = d
		}
	}
	return out, nil
}

// ── Collaborator fakes ────────────────────────────────────────────────────────

type authorizerFunc func(ctx context.Context, actorID, departmentID, action string) (bool, error)

func (f authorizerFunc) IsAuthorized(ctx context.Context, actorID, departmentID, action string) (bool, error) {
	return f(ctx, actorID, departmentID, action)
}

func allowAll() Authorizer {
	return authorizerFunc(func(context.Context, string, string, string) (bool, error) {
		return true, nil
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) PublishRequestEvent(_ context.Context, eventType, _, _, _ string, _ []string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) eventTypes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// ── Test environment ──────────────────────────────────────────────────────────

const (
	testOrg     = "org-1"
	deptSite    = "dept-site"
	deptEng     = "dept-eng"
	deptProc    = "dept-procurement"
	deptFinance = "dept-finance"
)

type testEnv struct {
	store        *memStore
	rules        *fakeRuleStore
	departments  *fakeDepartmentStore
	notifier     *recordingNotifier
	resolver     *ChainResolver
	engine       *ApprovalEngine
	dispatch     *FulfillmentDispatch
	orchestrator *RequestOrchestrator
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zerolog.Nop()}
}

// newTestEnv wires the services over in-memory fakes with one active
// three-department chain rule for material requests raised by the site office.
func newTestEnv() *testEnv {
	store := newMemStore()
	notifier := &recordingNotifier{}
	log := testLogger()

	departments := &fakeDepartmentStore{departments: map[string]*repository.Department{
		deptSite:    {ID: deptSite, OrgID: testOrg, Name: "Site Office", IsActive: true},
		deptEng:     {ID: deptEng, OrgID: testOrg, Name: "Engineering", IsActive: true},
		deptProc:    {ID: deptProc, OrgID: testOrg, Name: "Procurement", IsActive: true},
		deptFinance: {ID: deptFinance, OrgID: testOrg, Name: "Finance", IsActive: true},
	}}

	origin := deptSite
	rules := &fakeRuleStore{rules: []*repository.ChainRule{{
		ID:                 "rule-material",
		OrgID:              testOrg,
		RuleName:           "material-from-site",
		RequestType:        repository.RequestTypeMaterial,
		OriginDepartmentID: &origin,
		Chain: []repository.ChainRuleStep{
			{Order: 1, DepartmentID: deptEng},
			{Order: 2, DepartmentID: deptProc},
			{Order: 3, DepartmentID: deptFinance},
		},
		Priority: 10,
		IsActive: true,
	}}}

	resolver := NewChainResolver(rules, departments, log)
	engine := NewApprovalEngine(store, store, allowAll(), log)
	dispatch := NewFulfillmentDispatch(store, store, fulfillmentView{store}, notifier, log)
	orchestrator := NewRequestOrchestrator(store, store, store, resolver, engine, dispatch, notifier, log)

	return &testEnv{
		store:        store,
		rules:        rules,
		departments:  departments,
		notifier:     notifier,
		resolver:     resolver,
		engine:       engine,
		dispatch:     dispatch,
		orchestrator: orchestrator,
	}
}

// createMaterialRequest opens a standard three-step material request.
func (e *testEnv) createMaterialRequest(ctx context.Context) (*repository.ResourceRequest, []*repository.ApprovalStep, error) {
	req, err := e.orchestrator.CreateRequest(ctx, &CreateRequestInput{
		OrgID:              testOrg,
		RequesterID:        "user-foreman",
		OriginDepartmentID: deptSite,
		RequestType:        repository.RequestTypeMaterial,
		MaterialCount:      40,
		Priority:           repository.PriorityHigh,
	})
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.store.GetSteps(ctx, req.ID)
	return req, steps, err
}
