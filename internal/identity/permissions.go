package identity

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Resolution is the outcome of a permission lookup, including where the
// level came from so forbidden errors can explain themselves.
type Resolution struct {
	Level  string `json:"level"`
	Source string `json:"source"`
}

// Resolution sources, in evaluation order.
const (
	SourceGrant      = "explicit_grant"
	SourceMaintainer = "maintainer_role"
	SourceAccessMode = "repo_access_mode"
	SourceDefault    = "platform_default"
)

// ResolvePermissions computes the agent's effective level on the repo.
// Order: explicit grant (honoring expiry), maintainer role, repo access
// mode, platform default.
func (s *Service) ResolvePermissions(ctx context.Context, agent *types.Agent, repo *types.Repo) (Resolution, error) {
	// 1. Explicit grant.
	var level string
	var expires *time.Time
	err := s.st.QueryRow(ctx, `
		SELECT level, expires_at FROM repo_access WHERE repo_id = $1 AND agent_id = $2
	`, repo.ID, agent.ID).Scan(&level, &expires)
	switch {
	case err == nil:
		if expires == nil || expires.After(time.Now()) {
			return Resolution{Level: level, Source: SourceGrant}, nil
		}
		// Expired grant falls through to the next source.
	case !store.NotFound(err):
		return Resolution{}, store.ScanOne(err, "access grant")
	}

	// 2. Maintainer role.
	role, err := s.MaintainerRole(ctx, repo.ID, agent.ID)
	if err != nil {
		return Resolution{}, err
	}
	switch role {
	case types.RoleOwner:
		return Resolution{Level: types.LevelAdmin, Source: SourceMaintainer}, nil
	case types.RoleMaintainer:
		return Resolution{Level: types.LevelMaintain, Source: SourceMaintainer}, nil
	}

	// 3. Repo access mode.
	switch repo.AgentAccess {
	case types.AccessPublic:
		return Resolution{Level: types.LevelWrite, Source: SourceAccessMode}, nil
	case types.AccessKarmaThreshold:
		if agent.Karma >= repo.MinKarma {
			return Resolution{Level: types.LevelWrite, Source: SourceAccessMode}, nil
		}
		if !repo.IsPrivate {
			return Resolution{Level: types.LevelRead, Source: SourceAccessMode}, nil
		}
		return Resolution{Level: types.LevelNone, Source: SourceAccessMode}, nil
	case types.AccessAllowlist:
		return Resolution{Level: types.LevelNone, Source: SourceAccessMode}, nil
	}

	// 4. Platform default.
	return Resolution{Level: types.LevelNone, Source: SourceDefault}, nil
}

// actionLevels maps each action to the minimum level allowed to perform it.
var actionLevels = map[string]string{
	types.ActionRead:     types.LevelRead,
	types.ActionWrite:    types.LevelWrite,
	types.ActionMerge:    types.LevelWrite,
	types.ActionSettings: types.LevelMaintain,
	types.ActionDelete:   types.LevelAdmin,
}

// CanPerform checks the agent against the minimum level for action. Returns
// a forbidden error carrying the action and resolution source on failure.
func (s *Service) CanPerform(ctx context.Context, agent *types.Agent, repo *types.Repo, action string) (Resolution, error) {
	min, ok := actionLevels[action]
	if !ok {
		return Resolution{}, errkind.New(errkind.InvalidInput, "unknown action %q", action)
	}
	if agent.Status == types.AgentSuspended {
		return Resolution{}, errkind.New(errkind.Forbidden, "agent suspended (action=%s)", action)
	}
	res, err := s.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		return Resolution{}, err
	}
	if types.LevelRank[res.Level] < types.LevelRank[min] {
		return res, errkind.New(errkind.Forbidden,
			"action=%s requires %s, have %s (source=%s)", action, min, res.Level, res.Source)
	}
	return res, nil
}

// CanPushToBranch applies branch rules. direct_push=none always forces the
// stream review path regardless of level.
func (s *Service) CanPushToBranch(ctx context.Context, agent *types.Agent, repo *types.Repo, branch string) (bool, error) {
	rule, err := s.MatchBranchRule(ctx, repo.ID, branch)
	if err != nil {
		return false, err
	}
	res, err := s.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		return false, err
	}
	if rule == nil {
		return types.LevelRank[res.Level] >= types.LevelRank[types.LevelWrite], nil
	}
	switch rule.DirectPush {
	case "none":
		return false, nil
	case "maintainers":
		return types.LevelRank[res.Level] >= types.LevelRank[types.LevelMaintain], nil
	case "all":
		return types.LevelRank[res.Level] >= types.LevelRank[types.LevelWrite], nil
	}
	return false, errkind.New(errkind.Fatal, "branch rule %s has unknown direct_push %q", rule.ID, rule.DirectPush)
}
