package service

import (
	"context"
	"sort"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
)

// ChainResolver computes the ordered department chain a request must pass
// through. It is pure apart from reads: the result is snapshotted into
// ApprovalStep rows at creation, so later rule or directory changes never
// alter an in-flight request.
type ChainResolver struct {
	rules       ChainRuleStore
	departments DepartmentStore
	log         *logger.Logger
}

// NewChainResolver creates a new ChainResolver.
func NewChainResolver(rules ChainRuleStore, departments DepartmentStore, log *logger.Logger) *ChainResolver {
	return &ChainResolver{rules: rules, departments: departments, log: log}
}

// Resolve returns the non-empty ordered chain for (requestType, origin) in an
// org, with the terminal step flagged. Fails with a not-found error for an
// unknown origin department and a configuration error when no active rule
// matches or the configured chain references unusable departments.
func (r *ChainResolver) Resolve(
	ctx context.Context,
	orgID string,
	requestType repository.RequestType,
	originDepartmentID string,
) ([]repository.ChainStep, error) {
	origin, err := r.departments.GetDepartment(ctx, originDepartmentID, orgID)
	if err != nil {
		return nil, err
	}
	if !origin.IsActive {
		return nil, apperr.Newf(apperr.CodeInvalidInput,
			"origin department %q is not active", originDepartmentID)
	}

	rule, err := r.rules.FindMatching(ctx, orgID, requestType, originDepartmentID)
	if err != nil {
		return nil, err
	}
	if rule == nil || len(rule.Chain) == 0 {
		return nil, apperr.Newf(apperr.CodeConfiguration,
			"no approval chain configured for request type %q from department %q",
			requestType, originDepartmentID)
	}

	ordered := make([]repository.ChainRuleStep, len(rule.Chain))
	copy(ordered, rule.Chain)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	ids := make([]string, 0, len(ordered))
	seen := make(map[string]struct{}, len(ordered))
	seenOrders := make(map[int]struct{}, len(ordered))
	for _, cs := range ordered {
		if _, dup := seen[cs.DepartmentID]; dup {
			return nil, apperr.Newf(apperr.CodeConfiguration,
				"chain rule %q lists department %q more than once", rule.RuleName, cs.DepartmentID)
		}
		if _, dup := seenOrders[cs.Order]; dup {
			return nil, apperr.Newf(apperr.CodeConfiguration,
				"chain rule %q lists order %d more than once", rule.RuleName, cs.Order)
		}
		seen[cs.DepartmentID] = struct{}{}
		seenOrders[cs.Order] = struct{}{}
		ids = append(ids, cs.DepartmentID)
	}

	departments, err := r.departments.GetDepartments(ctx, orgID, ids)
	if err != nil {
		return nil, err
	}

	chain := make([]repository.ChainStep, 0, len(ordered))
	for i, cs := range ordered {
		dept, ok := departments[cs.DepartmentID]
		if !ok {
			return nil, apperr.Newf(apperr.CodeConfiguration,
				"chain rule %q references unknown department %q", rule.RuleName, cs.DepartmentID)
		}
		if !dept.IsActive {
			return nil, apperr.Newf(apperr.CodeConfiguration,
				"chain rule %q references inactive department %q", rule.RuleName, cs.DepartmentID)
		}
		chain = append(chain, repository.ChainStep{
			DepartmentID:   dept.ID,
			DepartmentName: dept.Name,
			Final:          i == len(ordered)-1,
		})
	}

	r.log.Debug().
		Str("org_id", orgID).
		Str("rule", rule.RuleName).
		Int("chain_length", len(chain)).
		Msg("Approval chain resolved")

	return chain, nil
}
