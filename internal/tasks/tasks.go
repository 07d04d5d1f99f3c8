// Package tasks is the work advertisement board: open tasks, claims, and
// the claim lifecycle that streams report against.
package tasks

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Service reads and writes the task board.
type Service struct {
	st store.Store
}

// New creates a task service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// Create posts a task.
func (s *Service) Create(ctx context.Context, repoID, createdBy, title, description, priority string) (*types.Task, error) {
	if err := ids.ValidateAll(repoID, createdBy); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, errkind.New(errkind.InvalidInput, "task title required")
	}
	if _, ok := types.PriorityRank[priority]; !ok {
		return nil, errkind.New(errkind.InvalidInput, "unknown priority %q", priority)
	}
	t := &types.Task{
		ID:          ids.New(),
		RepoID:      repoID,
		Title:       title,
		Description: description,
		Priority:    priority,
		Status:      types.TaskOpen,
		CreatedBy:   createdBy,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.st.Exec(ctx, `
		INSERT INTO tasks (id, repo_id, title, description, priority, status, created_by, assigned_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8)
	`, t.ID, t.RepoID, t.Title, t.Description, t.Priority, t.Status, t.CreatedBy, t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// List returns a repo's tasks, open first, then by priority rank.
func (s *Service) List(ctx context.Context, repoID, status string) ([]*types.Task, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, repo_id, title, description, priority, status, created_by, assigned_to, created_at
		FROM tasks WHERE repo_id = $1`
	args := []interface{}{repoID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += `
		ORDER BY CASE status WHEN 'open' THEN 0 WHEN 'claimed' THEN 1 ELSE 2 END,
		         CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
		         created_at ASC`
	rows, err := s.st.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Task
	for rows.Next() {
		var t types.Task
		var createdBy, assignedTo *string
		if err := rows.Scan(&t.ID, &t.RepoID, &t.Title, &t.Description, &t.Priority,
			&t.Status, &createdBy, &assignedTo, &t.CreatedAt); err != nil {
			return nil, err
		}
		if createdBy != nil {
			t.CreatedBy = *createdBy
		}
		if assignedTo != nil {
			t.AssignedTo = *assignedTo
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Claim binds an agent to an open task. One claim per (task, agent); a
// replayed claim is a duplicate.
func (s *Service) Claim(ctx context.Context, taskID, agentID string) (*types.TaskClaim, error) {
	if err := ids.ValidateAll(taskID, agentID); err != nil {
		return nil, err
	}
	claim := &types.TaskClaim{
		ID:        ids.New(),
		TaskID:    taskID,
		AgentID:   agentID,
		Status:    types.ClaimActive,
		ClaimedAt: time.Now().UTC(),
	}
	err := s.st.InTx(ctx, func(q store.Querier) error {
		var status string
		if err := q.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&status); err != nil {
			return store.ScanOne(err, "task")
		}
		if status != types.TaskOpen && status != types.TaskClaimed {
			return errkind.New(errkind.IllegalTransition, "cannot claim %s task", status)
		}
		_, err := q.Exec(ctx, `
			INSERT INTO task_claims (id, task_id, agent_id, stream_id, status, claimed_at)
			VALUES ($1, $2, $3, NULL, $4, $5)
		`, claim.ID, claim.TaskID, claim.AgentID, claim.Status, claim.ClaimedAt)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx, `
			UPDATE tasks SET status = $1, assigned_to = $2 WHERE id = $3
		`, types.TaskClaimed, agentID, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// Abandon releases an agent's claim; the task reopens when no other active
// claim remains.
func (s *Service) Abandon(ctx context.Context, taskID, agentID string) error {
	if err := ids.ValidateAll(taskID, agentID); err != nil {
		return err
	}
	return s.st.InTx(ctx, func(q store.Querier) error {
		res, err := q.Exec(ctx, `
			UPDATE task_claims SET status = $1 WHERE task_id = $2 AND agent_id = $3 AND status = $4
		`, types.ClaimAbandoned, taskID, agentID, types.ClaimActive)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errkind.New(errkind.NotFound, "no active claim on task %s by agent %s", taskID, agentID)
		}
		var active int
		if err := q.QueryRow(ctx, `
			SELECT COUNT(*) FROM task_claims WHERE task_id = $1 AND status = $2
		`, taskID, types.ClaimActive).Scan(&active); err != nil {
			return err
		}
		if active == 0 {
			_, err = q.Exec(ctx, `
				UPDATE tasks SET status = $1, assigned_to = NULL WHERE id = $2
			`, types.TaskOpen, taskID)
		}
		return err
	})
}

// Cancel closes a task that should no longer be worked.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	if err := ids.Validate(taskID); err != nil {
		return err
	}
	res, err := s.st.Exec(ctx, `
		UPDATE tasks SET status = $1 WHERE id = $2 AND status IN ('open','claimed')
	`, types.TaskCancelled, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "no cancellable task %s", taskID)
	}
	return nil
}
