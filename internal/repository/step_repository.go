package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// StepRepository handles reads on individual approval steps. Step creation
// and every step mutation happen through RequestRepository's transactional
// composites, so this repository is read-only.
type StepRepository struct {
	db *database.DB
}

// NewStepRepository creates a new StepRepository.
func NewStepRepository(db *database.DB) *StepRepository {
	return &StepRepository{db: db}
}

const stepColumns = `
	id, request_id, org_id, department_id, department_name,
	step_order, final_department, status,
	approver_id, decided_at, remarks, activated_at,
	created_at, updated_at
`

// GetStep returns a step by its primary key.
func (r *StepRepository) GetStep(ctx context.Context, stepID string) (*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE id = $1
	`

	step, err := r.scanStep(r.db.QueryRow(ctx, query, stepID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("approval_step", stepID)
	}
	return step, err
}

// GetSteps returns all steps for a request ordered by step_order.
func (r *StepRepository) GetSteps(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetPendingForDepartment returns the steps a department can currently act
// on: pending steps of non-terminal requests whose predecessors are all
// approved, oldest activation first.
func (r *StepRepository) GetPendingForDepartment(ctx context.Context, orgID, departmentID string) ([]*ApprovalStep, error) {
	query := `
		SELECT s.id, s.request_id, s.org_id, s.department_id, s.department_name,
		       s.step_order, s.final_department, s.status,
		       s.approver_id, s.decided_at, s.remarks, s.activated_at,
		       s.created_at, s.updated_at
		FROM approval_steps s
		JOIN resource_requests r ON r.id = s.request_id
		WHERE s.org_id = $1
		  AND s.department_id = $2
		  AND s.status = 'pending'
		  AND r.status IN ('pending', 'in_progress')
		  AND NOT EXISTS (
		      SELECT 1 FROM approval_steps p
		      WHERE p.request_id = s.request_id
		        AND p.step_order < s.step_order
		        AND p.status <> 'approved'
		  )
		ORDER BY s.activated_at ASC NULLS LAST, s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, orgID, departmentID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get pending steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type stepScanner interface {
	Scan(dest ...any) error
}

func (r *StepRepository) scanStep(row stepScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.OrgID,
		&s.DepartmentID,
		&s.DepartmentName,
		&s.StepOrder,
		&s.FinalDepartment,
		&s.Status,
		&s.ApproverID,
		&s.DecidedAt,
		&s.Remarks,
		&s.ActivatedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *StepRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s, err := r.scanStep(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
