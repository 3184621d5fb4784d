package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// RequestRepository manages resource requests and owns the transactional
// composites that change a request together with its steps and log entries.
// Keeping the write set in one transaction is what makes the audit log
// write-ahead: a failed log append rolls the state change back with it.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// CreateRequest inserts a request, its snapshotted approval chain, and the
// creation log entries in one transaction.
func (r *RequestRepository) CreateRequest(
	ctx context.Context,
	req *ResourceRequest,
	steps []*ApprovalStep,
	entries []*WorkflowLogEntry,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO resource_requests
			    (id, org_id, requester_id, origin_department_id, request_type,
			     labor_count, material_count, equipment_count,
			     priority, activity_id, description, status, version)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        $9, $10, $11, $12::request_status, $13)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, reqQuery,
			req.ID,
			req.OrgID,
			req.RequesterID,
			req.OriginDepartmentID,
			req.RequestType,
			req.LaborCount,
			req.MaterialCount,
			req.EquipmentCount,
			req.Priority,
			req.ActivityID,
			req.Description,
			req.Status,
			req.Version,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to create resource request")
		}

		stepQuery := `
			INSERT INTO approval_steps
			    (id, request_id, org_id, department_id, department_name,
			     step_order, final_department, status, activated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8::step_status, $9)
			RETURNING created_at, updated_at
		`

		for _, step := range steps {
			step.RequestID = req.ID
			step.OrgID = req.OrgID

			err := tx.QueryRow(ctx, stepQuery,
				step.ID,
				step.RequestID,
				step.OrgID,
				step.DepartmentID,
				step.DepartmentName,
				step.StepOrder,
				step.FinalDepartment,
				step.Status,
				step.ActivatedAt,
			).Scan(&step.CreatedAt, &step.UpdatedAt)
			if err != nil {
				return apperr.Wrap(err, apperr.CodeInternal, "failed to create approval step")
			}
		}

		for _, entry := range entries {
			if err := insertLogEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRequest retrieves a request by id within an org.
func (r *RequestRepository) GetRequest(ctx context.Context, id, orgID string) (*ResourceRequest, error) {
	query := `
		SELECT id, org_id, requester_id, origin_department_id, request_type,
		       labor_count, material_count, equipment_count,
		       priority, activity_id, description, status, version,
		       completed_at, created_at, updated_at
		FROM resource_requests
		WHERE id = $1 AND org_id = $2
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("request", id)
	}
	return req, err
}

// CommitDecision applies one approval decision atomically. Both the step
// update and the request update carry compare-and-swap predicates; losing
// either race fails the whole transaction with a retryable conflict.
func (r *RequestRepository) CommitDecision(ctx context.Context, c *DecisionCommit) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		stepQuery := `
			UPDATE approval_steps
			SET status      = $2::step_status,
			    approver_id = $3,
			    decided_at  = $4,
			    remarks     = $5,
			    updated_at  = NOW()
			WHERE id = $1
			  AND status = 'pending'
			RETURNING id
		`

		var stepID string
		err := tx.QueryRow(ctx, stepQuery,
			c.StepID, c.NewStepStatus, c.ApproverID, c.DecidedAt, c.Remarks,
		).Scan(&stepID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.CodeConflict, "step was decided concurrently")
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to update approval step")
		}

		reqQuery := `
			UPDATE resource_requests
			SET status       = $3::request_status,
			    version      = version + 1,
			    completed_at = $4,
			    updated_at   = NOW()
			WHERE id = $1
			  AND version = $2
			RETURNING id
		`

		var reqID string
		err = tx.QueryRow(ctx, reqQuery,
			c.RequestID, c.ExpectedVersion, c.NewRequestStatus, c.CompletedAt,
		).Scan(&reqID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.CodeConflict, "request was modified concurrently")
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to update request status")
		}

		if c.SkipRemaining {
			skipQuery := `
				UPDATE approval_steps
				SET status     = 'skipped'::step_status,
				    updated_at = NOW()
				WHERE request_id = $1
				  AND status = 'pending'
			`
			if _, err := tx.Exec(ctx, skipQuery, c.RequestID); err != nil {
				return apperr.Wrap(err, apperr.CodeInternal, "failed to skip remaining steps")
			}
		}

		if c.ActivateOrder > 0 {
			activateQuery := `
				UPDATE approval_steps
				SET activated_at = NOW(),
				    updated_at   = NOW()
				WHERE request_id = $1
				  AND step_order = $2
				  AND status = 'pending'
			`
			if _, err := tx.Exec(ctx, activateQuery, c.RequestID, c.ActivateOrder); err != nil {
				return apperr.Wrap(err, apperr.CodeInternal, "failed to activate next step")
			}
		}

		for _, entry := range c.Entries {
			if err := insertLogEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// CancelRequest moves a non-terminal request to rejected, skips every
// still-pending step, and logs the cancellation, all in one transaction.
func (r *RequestRepository) CancelRequest(
	ctx context.Context,
	requestID, orgID string,
	expectedVersion int64,
	entries []*WorkflowLogEntry,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			UPDATE resource_requests
			SET status     = 'rejected'::request_status,
			    version    = version + 1,
			    updated_at = NOW()
			WHERE id = $1
			  AND org_id = $2
			  AND version = $3
			  AND status IN ('pending', 'in_progress')
			RETURNING id
		`

		var reqID string
		err := tx.QueryRow(ctx, reqQuery, requestID, orgID, expectedVersion).Scan(&reqID)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.New(apperr.CodeConflict, "request was modified concurrently")
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to cancel request")
		}

		skipQuery := `
			UPDATE approval_steps
			SET status     = 'skipped'::step_status,
			    updated_at = NOW()
			WHERE request_id = $1
			  AND status = 'pending'
		`
		if _, err := tx.Exec(ctx, skipQuery, requestID); err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to skip remaining steps")
		}

		for _, entry := range entries {
			if err := insertLogEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ResourceRequest, error) {
	req := &ResourceRequest{}
	err := row.Scan(
		&req.ID,
		&req.OrgID,
		&req.RequesterID,
		&req.OriginDepartmentID,
		&req.RequestType,
		&req.LaborCount,
		&req.MaterialCount,
		&req.EquipmentCount,
		&req.Priority,
		&req.ActivityID,
		&req.Description,
		&req.Status,
		&req.Version,
		&req.CompletedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}
