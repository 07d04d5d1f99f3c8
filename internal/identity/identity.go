// Package identity owns agents, karma, repo access resolution, maintainer
// roles and branch rules. Everything here is a pure function over the store.
package identity

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Service resolves identity and access questions against a store.
type Service struct {
	st store.Store
}

// New creates an identity service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// RegisterAgent creates an agent. Names are unique; a duplicate name
// surfaces as a duplicate error.
func (s *Service) RegisterAgent(ctx context.Context, name string) (*types.Agent, error) {
	if name == "" {
		return nil, errkind.New(errkind.InvalidInput, "agent name required")
	}
	agent := &types.Agent{
		ID:        ids.New(),
		Name:      name,
		Status:    types.AgentActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.st.Exec(ctx, `
		INSERT INTO agents (id, name, karma, status, created_at)
		VALUES ($1, $2, 0, $3, $4)
	`, agent.ID, agent.Name, agent.Status, agent.CreatedAt)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent fetches an agent by id.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*types.Agent, error) {
	if err := ids.Validate(agentID); err != nil {
		return nil, err
	}
	var a types.Agent
	err := s.st.QueryRow(ctx, `
		SELECT id, name, karma, status, created_at FROM agents WHERE id = $1
	`, agentID).Scan(&a.ID, &a.Name, &a.Karma, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, store.ScanOne(err, "agent")
	}
	return &a, nil
}

// GetAgentByName fetches an agent by its unique name.
func (s *Service) GetAgentByName(ctx context.Context, name string) (*types.Agent, error) {
	var a types.Agent
	err := s.st.QueryRow(ctx, `
		SELECT id, name, karma, status, created_at FROM agents WHERE name = $1
	`, name).Scan(&a.ID, &a.Name, &a.Karma, &a.Status, &a.CreatedAt)
	if err != nil {
		return nil, store.ScanOne(err, "agent")
	}
	return &a, nil
}

// SuspendAgent marks an agent suspended. Agents are never deleted.
func (s *Service) SuspendAgent(ctx context.Context, agentID string) error {
	if err := ids.Validate(agentID); err != nil {
		return err
	}
	res, err := s.st.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`,
		types.AgentSuspended, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "agent %s not found", agentID)
	}
	return nil
}

// ApplyKarma appends a karma transaction and updates the cached balance in
// the same transaction.
func (s *Service) ApplyKarma(ctx context.Context, agentID string, delta int64, reason, refID string) error {
	if err := ids.Validate(agentID); err != nil {
		return err
	}
	return s.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO karma_ledger (id, agent_id, delta, reason, ref_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ids.New(), agentID, delta, reason, refID, time.Now().UTC())
		if err != nil {
			return err
		}
		res, err := q.Exec(ctx, `UPDATE agents SET karma = karma + $1 WHERE id = $2`, delta, agentID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.New(errkind.NotFound, "agent %s not found", agentID)
		}
		return nil
	})
}

// MaintainerRole returns the agent's maintainer role on the repo, or "" if
// the agent is not a maintainer.
func (s *Service) MaintainerRole(ctx context.Context, repoID, agentID string) (string, error) {
	if err := ids.ValidateAll(repoID, agentID); err != nil {
		return "", err
	}
	var role string
	err := s.st.QueryRow(ctx, `
		SELECT role FROM maintainers WHERE repo_id = $1 AND agent_id = $2
	`, repoID, agentID).Scan(&role)
	if store.NotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", store.ScanOne(err, "maintainer role")
	}
	return role, nil
}

// AddMaintainer grants a maintainer role on the repo.
func (s *Service) AddMaintainer(ctx context.Context, repoID, agentID, role string) error {
	if err := ids.ValidateAll(repoID, agentID); err != nil {
		return err
	}
	if role != types.RoleOwner && role != types.RoleMaintainer {
		return errkind.New(errkind.InvalidInput, "unknown maintainer role %q", role)
	}
	_, err := s.st.Exec(ctx, `
		INSERT INTO maintainers (repo_id, agent_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, agent_id) DO UPDATE SET role = excluded.role
	`, repoID, agentID, role)
	return err
}

// Grant records an explicit access grant, optionally expiring.
func (s *Service) Grant(ctx context.Context, repoID, agentID, level, grantedBy string, expiresAt *time.Time) error {
	if err := ids.ValidateAll(repoID, agentID); err != nil {
		return err
	}
	if _, ok := types.LevelRank[level]; !ok {
		return errkind.New(errkind.InvalidInput, "unknown access level %q", level)
	}
	_, err := s.st.Exec(ctx, `
		INSERT INTO repo_access (repo_id, agent_id, level, granted_by, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, agent_id) DO UPDATE
			SET level = excluded.level, granted_by = excluded.granted_by,
			    expires_at = excluded.expires_at
	`, repoID, agentID, level, grantedBy, expiresAt)
	return err
}
