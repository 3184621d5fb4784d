package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// DepartmentRepository reads the org's department directory. Departments are
// owned by the platform directory service; this service holds a synced copy
// and never writes to it.
type DepartmentRepository struct {
	db *database.DB
}

// NewDepartmentRepository creates a new DepartmentRepository.
func NewDepartmentRepository(db *database.DB) *DepartmentRepository {
	return &DepartmentRepository{db: db}
}

// GetDepartment returns one department by id within an org.
func (r *DepartmentRepository) GetDepartment(ctx context.Context, id, orgID string) (*Department, error) {
	query := `
		SELECT id, org_id, name, is_active, created_at, updated_at
		FROM departments
		WHERE id = $1 AND org_id = $2
	`

	d := &Department{}
	err := r.db.QueryRow(ctx, query, id, orgID).Scan(
		&d.ID, &d.OrgID, &d.Name, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("department", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get department")
	}
	return d, nil
}

// GetDepartments returns the departments with the given ids, keyed by id.
// Missing ids are simply absent from the map.
func (r *DepartmentRepository) GetDepartments(ctx context.Context, orgID string, ids []string) (map[string]*Department, error) {
	query := `
		SELECT id, org_id, name, is_active, created_at, updated_at
		FROM departments
		WHERE org_id = $1 AND id = ANY($2)
	`

	rows, err := r.db.Query(ctx, query, orgID, ids)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to get departments")
	}
	defer rows.Close()

	departments := make(map[string]*Department, len(ids))
	for rows.Next() {
		d := &Department{}
		err := rows.Scan(&d.ID, &d.OrgID, &d.Name, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan department")
		}
		departments[d.ID] = d
	}
	return departments, rows.Err()
}
