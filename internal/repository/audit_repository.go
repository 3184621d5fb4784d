package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// AuditRepository appends and reads immutable workflow log entries. The table
// has a delete-prevention trigger, so Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// rowQuerier is satisfied by both *database.DB and pgx.Tx, so entries can be
// appended inside the transaction that carries the state change they describe.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertLogEntrySQL = `
	INSERT INTO workflow_log
	    (id, org_id, entity_type, entity_id, request_id,
	     action, resulting_status, actor, detail, metadata)
	VALUES ($1, $2, $3, $4, $5,
	        $6, $7, $8, $9, $10)
	RETURNING performed_at
`

// insertLogEntry writes one entry through q, which may be a transaction.
func insertLogEntry(ctx context.Context, q rowQuerier, entry *WorkflowLogEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperr.Wrap(err, apperr.CodeInternal, "failed to marshal log metadata")
		}
	}

	err := q.QueryRow(ctx, insertLogEntrySQL,
		entry.ID,
		entry.OrgID,
		entry.EntityType,
		entry.EntityID,
		entry.RequestID,
		entry.Action,
		entry.ResultingStatus,
		entry.Actor,
		entry.Detail,
		metadataJSON,
	).Scan(&entry.PerformedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to append workflow log entry")
	}
	return nil
}

// Append inserts one entry outside any surrounding transaction.
func (r *AuditRepository) Append(ctx context.Context, entry *WorkflowLogEntry) error {
	return insertLogEntry(ctx, r.db, entry)
}

// GetByRequestID returns the full trail for a request ordered oldest-first.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID, orgID string) ([]*WorkflowLogEntry, error) {
	query := `
		SELECT id, org_id, entity_type, entity_id, request_id,
		       action, resulting_status, actor, detail, metadata, performed_at
		FROM workflow_log
		WHERE request_id = $1 AND org_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID, orgID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get workflow log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByEntity returns all entries about one entity ordered oldest-first.
// Backed by the (entity_type, entity_id) index.
func (r *AuditRepository) GetByEntity(ctx context.Context, entityType EntityType, entityID string) ([]*WorkflowLogEntry, error) {
	query := `
		SELECT id, org_id, entity_type, entity_id, request_id,
		       action, resulting_status, actor, detail, metadata, performed_at
		FROM workflow_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get entity log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*WorkflowLogEntry, error) {
	var entries []*WorkflowLogEntry
	for rows.Next() {
		entry := &WorkflowLogEntry{}
		var metadataJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.OrgID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.RequestID,
			&entry.Action,
			&entry.ResultingStatus,
			&entry.Actor,
			&entry.Detail,
			&metadataJSON,
			&entry.PerformedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan log entry")
		}

		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal log metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
