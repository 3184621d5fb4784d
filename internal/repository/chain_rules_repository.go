package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/database"
)

// ChainRulesRepository handles CRUD on approval chain rules.
type ChainRulesRepository struct {
	db *database.DB
}

// NewChainRulesRepository creates a new ChainRulesRepository.
func NewChainRulesRepository(db *database.DB) *ChainRulesRepository {
	return &ChainRulesRepository{db: db}
}

// Create inserts a new chain rule.
func (r *ChainRulesRepository) Create(ctx context.Context, rule *ChainRule) error {
	chainJSON, err := json.Marshal(rule.Chain)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to marshal chain steps")
	}

	query := `
		INSERT INTO approval_chain_rules
		    (id, org_id, rule_name, request_type, origin_department_id,
		     chain, priority, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
		RETURNING created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.ID,
		rule.OrgID,
		rule.RuleName,
		rule.RequestType,
		rule.OriginDepartmentID,
		chainJSON,
		rule.Priority,
		rule.IsActive,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key.
func (r *ChainRulesRepository) GetByID(ctx context.Context, id, orgID string) (*ChainRule, error) {
	query := `
		SELECT id, org_id, rule_name, request_type, origin_department_id,
		       chain, priority, is_active, created_at, updated_at
		FROM approval_chain_rules
		WHERE id = $1 AND org_id = $2
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id, orgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("chain_rule", id)
	}
	return rule, err
}

// List returns all rules for an org, optionally active only, in evaluation order.
func (r *ChainRulesRepository) List(ctx context.Context, orgID string, activeOnly bool) ([]*ChainRule, error) {
	query := `
		SELECT id, org_id, rule_name, request_type, origin_department_id,
		       chain, priority, is_active, created_at, updated_at
		FROM approval_chain_rules
		WHERE org_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY priority ASC, rule_name ASC"

	rows, err := r.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to list chain rules")
	}
	defer rows.Close()

	var rules []*ChainRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to scan chain rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// FindMatching evaluates active rules for an org in priority order and
// returns the first rule matching the request attributes. Returns nil
// (no error) when no rule matches; the resolver turns that into a
// configuration error.
func (r *ChainRulesRepository) FindMatching(
	ctx context.Context,
	orgID string,
	requestType RequestType,
	originDepartmentID string,
) (*ChainRule, error) {
	// Load active rules ordered by priority; evaluate in Go to keep SQL simple.
	rules, err := r.List(ctx, orgID, true)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		if rule.RequestType != requestType {
			continue
		}
		if rule.OriginDepartmentID != nil && *rule.OriginDepartmentID != originDepartmentID {
			continue
		}
		return rule, nil
	}
	return nil, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *ChainRulesRepository) scanRule(row ruleScanner) (*ChainRule, error) {
	rule := &ChainRule{}
	var chainJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.OrgID,
		&rule.RuleName,
		&rule.RequestType,
		&rule.OriginDepartmentID,
		&chainJSON,
		&rule.Priority,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(chainJSON, &rule.Chain); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to unmarshal chain steps")
	}
	return rule, nil
}
