package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

func asConflict(err error, target **mechanics.ConflictError) bool {
	return errors.As(err, target)
}

func newID() string { return ids.New() }

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func applyKarmaTx(ctx context.Context, q store.Querier, agentID string, delta int64, reason, refID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO karma_ledger (id, agent_id, delta, reason, ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ids.New(), agentID, delta, reason, refID, time.Now().UTC())
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE agents SET karma = karma + $1 WHERE id = $2`, delta, agentID)
	return err
}

// routeConflict records the conflict, marks the stream conflicted, fails
// its queue entry, and routes resolution per merge mode:
//
//   - swarm: the stream owner resolves in place; no task.
//   - review: fixup task assigned to the stream owner.
//   - gated: fixup task; assigned to a maintainer when the owner is not one.
//
// Resolution is a new commit on the same stream; the commit path clears the
// conflict and the enqueue is retried.
func (c *Coordinator) routeConflict(ctx context.Context, repo *types.Repo, streamID string, conflict *mechanics.ConflictError) error {
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return c.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO conflicts (id, stream_id, target_branch, files, status, created_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
		`, ids.New(), streamID, conflict.Target, marshalJSON(conflict.Files), now)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, updated_at = $2 WHERE id = $3
		`, types.StreamConflicted, now, streamID); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE merge_queue SET status = 'failed' WHERE stream_id = $1
		`, streamID); err != nil {
			return err
		}

		assignee := ""
		switch repo.MergeMode {
		case types.MergeModeReview:
			assignee = s.AgentID
		case types.MergeModeGated:
			assignee = s.AgentID
			role, err := maintainerRoleTx(ctx, q, repo.ID, s.AgentID)
			if err != nil {
				return err
			}
			if role == "" {
				maintainer, err := anyMaintainerTx(ctx, q, repo.ID)
				if err != nil {
					return err
				}
				if maintainer != "" {
					assignee = maintainer
				}
			}
		}
		if repo.MergeMode != types.MergeModeSwarm {
			if _, err := c.createFixupTask(ctx, q,
				repo.ID, "Resolve merge conflict in stream "+streamID[:8],
				types.PriorityHigh, assignee); err != nil {
				return err
			}
		}

		return c.emitter.Emit(ctx, q, repo.ID, "conflict", map[string]interface{}{
			"stream_id": streamID,
			"files":     conflict.Files,
			"target":    conflict.Target,
		})
	})
}

func maintainerRoleTx(ctx context.Context, q store.Querier, repoID, agentID string) (string, error) {
	var role string
	err := q.QueryRow(ctx, `
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

// anyMaintainerTx prefers an owner, then any maintainer.
func anyMaintainerTx(ctx context.Context, q store.Querier, repoID string) (string, error) {
	var agentID string
	err := q.QueryRow(ctx, `
		SELECT agent_id FROM maintainers WHERE repo_id = $1
		ORDER BY CASE role WHEN $2 THEN 0 ELSE 1 END, agent_id
	`, repoID, types.RoleOwner).Scan(&agentID)
	if store.NotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", store.ScanOne(err, "maintainer")
	}
	return agentID, nil
}

// PendingConflicts lists unresolved conflicts for a repo.
func (c *Coordinator) PendingConflicts(ctx context.Context, repoID string) ([]*types.Conflict, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	rows, err := c.st.Query(ctx, `
		SELECT cf.id, cf.stream_id, cf.target_branch, cf.files, cf.status, cf.created_at
		FROM conflicts cf
		JOIN streams s ON s.id = cf.stream_id
		WHERE s.repo_id = $1 AND cf.status = 'pending'
		ORDER BY cf.created_at ASC
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Conflict
	for rows.Next() {
		var cfl types.Conflict
		var files string
		if err := rows.Scan(&cfl.ID, &cfl.StreamID, &cfl.TargetBranch, &files, &cfl.Status, &cfl.CreatedAt); err != nil {
			return nil, err
		}
		cfl.Files = unmarshalStrings(files)
		out = append(out, &cfl)
	}
	return out, rows.Err()
}

// RetryConflicted re-enqueues a stream whose conflict has been resolved by
// a fresh commit.
func (c *Coordinator) RetryConflicted(ctx context.Context, streamID string) error {
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, s.RepoID, s.ID, s.AgentID, types.PriorityRank[types.PriorityMedium]); err != nil {
		return err
	}
	// A failed queue row from the conflicted attempt blocks the unique
	// stream_id slot; reset it to queued.
	if _, err := c.st.Exec(ctx, `
		UPDATE merge_queue SET status = 'queued' WHERE stream_id = $1 AND status = 'failed'
	`, streamID); err != nil {
		return err
	}
	return c.ProcessQueue(ctx, s.RepoID, c.queueOpts)
}
