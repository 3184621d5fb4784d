package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// FulfillmentRepository creates and reads fulfillment records. The table has
// a unique constraint on request_id, which is what makes dispatch idempotent.
type FulfillmentRepository struct {
	db *database.DB
}

// NewFulfillmentRepository creates a new FulfillmentRepository.
func NewFulfillmentRepository(db *database.DB) *FulfillmentRepository {
	return &FulfillmentRepository{db: db}
}

// CreateIfAbsent inserts the record and its log entry in one transaction
// unless a record already exists for the same request. A failed log append
// rolls the record back with it. Returns false with the existing record
// loaded into rec when the insert was a duplicate; duplicates append nothing.
func (r *FulfillmentRepository) CreateIfAbsent(ctx context.Context, rec *FulfillmentRecord, entry *WorkflowLogEntry) (bool, error) {
	created := false
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO fulfillment_records
			    (id, request_id, org_id, step_id, kind, quantity, estimated_cost, status)
			VALUES ($1, $2, $3, $4, $5::fulfillment_kind, $6, $7, $8::fulfillment_status)
			ON CONFLICT (request_id) DO NOTHING
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			rec.ID,
			rec.RequestID,
			rec.OrgID,
			rec.StepID,
			rec.Kind,
			rec.Quantity,
			rec.EstimatedCost,
			rec.Status,
		).Scan(&rec.CreatedAt, &rec.UpdatedAt)

		if errors.Is(err, pgx.ErrNoRows) {
			// Lost to an earlier dispatch; resolved after the transaction.
			return nil
		}
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to create fulfillment record")
		}

		created = true
		return insertLogEntry(ctx, tx, entry)
	})
	if err != nil {
		return false, err
	}

	if !created {
		existing, err := r.GetByRequestID(ctx, rec.RequestID, rec.OrgID)
		if err != nil {
			return false, err
		}
		*rec = *existing
		return false, nil
	}
	return true, nil
}

// GetByRequestID returns the fulfillment record for a request.
func (r *FulfillmentRepository) GetByRequestID(ctx context.Context, requestID, orgID string) (*FulfillmentRecord, error) {
	query := `
		SELECT id, request_id, org_id, step_id, kind, quantity, estimated_cost,
		       status, created_at, updated_at
		FROM fulfillment_records
		WHERE request_id = $1 AND org_id = $2
	`

	rec := &FulfillmentRecord{}
	err := r.db.QueryRow(ctx, query, requestID, orgID).Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.OrgID,
		&rec.StepID,
		&rec.Kind,
		&rec.Quantity,
		&rec.EstimatedCost,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("fulfillment_record", requestID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get fulfillment record")
	}
	return rec, nil
}
