package identity

import (
	"context"
	"strings"

	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// SetBranchRule inserts or replaces a rule for (repo, pattern).
func (s *Service) SetBranchRule(ctx context.Context, rule *types.BranchRule) error {
	if err := ids.Validate(rule.RepoID); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = ids.New()
	}
	return s.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			DELETE FROM branch_rules WHERE repo_id = $1 AND branch_pattern = $2
		`, rule.RepoID, rule.BranchPattern)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			INSERT INTO branch_rules
				(id, repo_id, branch_pattern, direct_push, required_approvals,
				 require_tests_pass, consensus_threshold_override, priority)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rule.ID, rule.RepoID, rule.BranchPattern, rule.DirectPush,
			rule.RequiredApprovals, boolInt(rule.RequireTestsPass),
			rule.ThresholdOverride, rule.Priority)
		return err
	})
}

// BranchRules returns all rules for a repo.
func (s *Service) BranchRules(ctx context.Context, repoID string) ([]*types.BranchRule, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	rows, err := s.st.Query(ctx, `
		SELECT id, repo_id, branch_pattern, direct_push, required_approvals,
		       require_tests_pass, consensus_threshold_override, priority
		FROM branch_rules WHERE repo_id = $1
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rules []*types.BranchRule
	for rows.Next() {
		var r types.BranchRule
		var testsPass int
		if err := rows.Scan(&r.ID, &r.RepoID, &r.BranchPattern, &r.DirectPush,
			&r.RequiredApprovals, &testsPass, &r.ThresholdOverride, &r.Priority); err != nil {
			return nil, err
		}
		r.RequireTestsPass = testsPass != 0
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// MatchBranchRule picks the rule whose pattern matches branch with the
// longest literal prefix; rule priority breaks ties. Returns nil when no
// rule matches.
func (s *Service) MatchBranchRule(ctx context.Context, repoID, branch string) (*types.BranchRule, error) {
	rules, err := s.BranchRules(ctx, repoID)
	if err != nil {
		return nil, err
	}
	var best *types.BranchRule
	bestLit := -1
	for _, r := range rules {
		if !globMatch(r.BranchPattern, branch) {
			continue
		}
		lit := literalLen(r.BranchPattern)
		if lit > bestLit || (lit == bestLit && best != nil && r.Priority > best.Priority) {
			best = r
			bestLit = lit
		}
	}
	return best, nil
}

// literalLen counts the non-wildcard characters of a pattern.
func literalLen(pattern string) int {
	return len(strings.ReplaceAll(pattern, "*", ""))
}

// globMatch matches pattern against name where * matches any run of
// characters (including empty, across slashes).
func globMatch(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(name, parts[i])
		if idx < 0 {
			return false
		}
		name = name[idx+len(parts[i]):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
