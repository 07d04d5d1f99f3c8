package coordinator

import (
	"context"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// QueueOptions control batching during queue processing. Values come from
// the repo's merge_queue config block.
type QueueOptions struct {
	BatchSize       int
	BisectOnFailure bool
}

// DefaultQueueOptions is one-at-a-time merging.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{BatchSize: 1, BisectOnFailure: true}
}

// enqueue adds the stream to the merge queue. Re-enqueueing an already
// queued stream is a no-op (idempotent retry after conflict resolution).
func (c *Coordinator) enqueue(ctx context.Context, repoID, streamID, requestedBy string, priorityRank int) error {
	_, err := c.st.Exec(ctx, `
		INSERT INTO merge_queue (repo_id, stream_id, priority_rank, consensus_at, requested_by, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		ON CONFLICT (stream_id) DO NOTHING
	`, repoID, streamID, priorityRank, time.Now().UTC(), requestedBy)
	return err
}

// SetPriority applies a council override rank to a queued stream.
func (c *Coordinator) SetPriority(ctx context.Context, streamID string, rank int) error {
	res, err := c.st.Exec(ctx, `
		UPDATE merge_queue SET priority_rank = $1 WHERE stream_id = $2 AND status = 'queued'
	`, rank, streamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "stream %s not queued", streamID)
	}
	return nil
}

// ProcessQueue drains eligible queue entries for a repo under the buffer
// lock. Entries come off in (priority_rank, consensus_at, enqueue_seq)
// order; an entry whose DAG ancestors are not yet merged or abandoned is
// skipped this pass.
func (c *Coordinator) ProcessQueue(ctx context.Context, repoID string, opts QueueOptions) error {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	release, err := c.st.AcquireLock(ctx, "buffer-"+repoID)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	repo, err := c.reposvc.Get(ctx, repoID)
	if err != nil {
		return err
	}

	for {
		ready, err := c.nextEligible(ctx, repoID, opts.BatchSize)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return nil
		}
		if len(ready) == 1 || opts.BatchSize == 1 {
			if err := c.mergeOne(ctx, repo, ready[0]); err != nil {
				return err
			}
			continue
		}
		if err := c.mergeBatch(ctx, repo, ready, opts); err != nil {
			return err
		}
	}
}

// nextEligible returns up to limit queued entries in composite-key order
// whose ancestors are all terminal.
func (c *Coordinator) nextEligible(ctx context.Context, repoID string, limit int) ([]*types.QueueEntry, error) {
	rows, err := c.st.Query(ctx, `
		SELECT enqueue_seq, repo_id, stream_id, priority_rank, consensus_at, requested_by, status
		FROM merge_queue
		WHERE repo_id = $1 AND status = 'queued'
		ORDER BY priority_rank ASC, consensus_at ASC, enqueue_seq ASC
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var queued []*types.QueueEntry
	for rows.Next() {
		var e types.QueueEntry
		if err := rows.Scan(&e.EnqueueSeq, &e.RepoID, &e.StreamID, &e.PriorityRank,
			&e.ConsensusAt, &e.RequestedBy, &e.Status); err != nil {
			return nil, err
		}
		queued = append(queued, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var ready []*types.QueueEntry
	for _, e := range queued {
		ok, err := c.ancestorsTerminal(ctx, e.StreamID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ready = append(ready, e)
		if len(ready) == limit {
			break
		}
	}
	return ready, nil
}

// ancestorsTerminal walks the parent_stream_id chain and reports whether
// every ancestor is merged or abandoned.
func (c *Coordinator) ancestorsTerminal(ctx context.Context, streamID string) (bool, error) {
	frontier := []string{streamID}
	seen := map[string]bool{streamID: true}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		rows, err := c.st.Query(ctx, `
			SELECT p.parent_stream_id, s.status
			FROM stream_parents p
			JOIN streams s ON s.id = p.parent_stream_id
			WHERE p.stream_id = $1
		`, cur)
		if err != nil {
			return false, err
		}
		type parent struct {
			id, status string
		}
		var parents []parent
		for rows.Next() {
			var p parent
			if err := rows.Scan(&p.id, &p.status); err != nil {
				_ = rows.Close()
				return false, err
			}
			parents = append(parents, p)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return false, err
		}
		_ = rows.Close()
		for _, p := range parents {
			if p.status != types.StreamMerged && p.status != types.StreamAbandoned {
				return false, nil
			}
			if !seen[p.id] {
				seen[p.id] = true
				frontier = append(frontier, p.id)
			}
		}
	}
	return true, nil
}

// mergeOne merges a single queue entry into buffer and cascades the
// remaining active streams. Conflicts route per merge mode.
func (c *Coordinator) mergeOne(ctx context.Context, repo *types.Repo, e *types.QueueEntry) error {
	if _, err := c.st.Exec(ctx, `
		UPDATE merge_queue SET status = 'merging' WHERE enqueue_seq = $1
	`, e.EnqueueSeq); err != nil {
		return err
	}

	result, err := c.git.MergeStream(ctx, e.StreamID, repo.BufferBranch)
	if err != nil {
		var conflict *mechanics.ConflictError
		if asConflict(err, &conflict) {
			return c.routeConflict(ctx, repo, e.StreamID, conflict)
		}
		_, _ = c.st.Exec(ctx, `UPDATE merge_queue SET status = 'failed' WHERE enqueue_seq = $1`, e.EnqueueSeq)
		return err
	}

	if err := c.recordMerge(ctx, repo, e.StreamID, result); err != nil {
		return err
	}
	return c.cascadeActive(ctx, repo, e.StreamID)
}

// recordMerge persists the merge row, finalizes the stream and its task
// claim, applies karma, and emits merge_completed — one transaction.
func (c *Coordinator) recordMerge(ctx context.Context, repo *types.Repo, streamID string, result *mechanics.MergeResult) error {
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return c.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO merges (id, stream_id, repo_id, target_branch, merge_commit, operation_id, merged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, newID(), streamID, repo.ID, repo.BufferBranch, result.MergeCommit, result.OperationID, now)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, types.StreamMerged, types.ReviewApproved, now, streamID); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE merge_queue SET status = 'done' WHERE stream_id = $1
		`, streamID); err != nil {
			return err
		}
		if s.TaskID != "" {
			if _, err := q.Exec(ctx, `
				UPDATE task_claims SET status = $1 WHERE task_id = $2 AND agent_id = $3
			`, types.ClaimApproved, s.TaskID, s.AgentID); err != nil {
				return err
			}
			if _, err := q.Exec(ctx, `
				UPDATE tasks SET status = $1 WHERE id = $2
			`, types.TaskDone, s.TaskID); err != nil {
				return err
			}
		}
		if err := applyKarmaTx(ctx, q, s.AgentID, karmaMergedStream, "stream_merged", streamID); err != nil {
			return err
		}
		return c.emitter.Emit(ctx, q, repo.ID, types.EventMergeCompleted, map[string]interface{}{
			"stream_id":    streamID,
			"merge_commit": result.MergeCommit,
			"operation_id": result.OperationID,
			"target":       repo.BufferBranch,
		})
	})
}

// cascadeActive rebases every other active stream onto the updated buffer.
// Cascade conflicts route like merge conflicts.
func (c *Coordinator) cascadeActive(ctx context.Context, repo *types.Repo, mergedStreamID string) error {
	rows, err := c.st.Query(ctx, `
		SELECT id FROM streams
		WHERE repo_id = $1 AND status IN ('active','in_review') AND id != $2
	`, repo.ID, mergedStreamID)
	if err != nil {
		return err
	}
	var active []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		active = append(active, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(active) == 0 {
		return nil
	}
	results, err := c.git.CascadeRebase(ctx, active)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Outcome != mechanics.CascadeConflict {
			continue
		}
		conflict := &mechanics.ConflictError{
			Files:  splitComma(r.Detail),
			Source: r.StreamID,
			Target: repo.BufferBranch,
		}
		if err := c.routeConflict(ctx, repo, r.StreamID, conflict); err != nil {
			return err
		}
	}
	return nil
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
