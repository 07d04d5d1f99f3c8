package coordinator

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// defaultFlakeRetries is how many extra runs a red result gets before it
// counts. Timeouts are never retried.
const defaultFlakeRetries = 3

// defaultFlakyThreshold is the fraction of reruns that must pass for a red
// run to be downgraded to flaky.
const defaultFlakyThreshold = 0.5

// RunResult is one execution of the stabilize command.
type RunResult struct {
	Passed   bool
	TimedOut bool
	Output   string
}

// Runner executes the repo's stabilize command. Tests substitute a fake
// keyed off the current buffer state.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string, timeout time.Duration) (RunResult, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(rctx, "sh", "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if rctx.Err() == context.DeadlineExceeded {
		return RunResult{TimedOut: true, Output: out}, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return RunResult{Passed: false, Output: out}, nil
		}
		return RunResult{}, errkind.Wrap(errkind.Fatal, err, "run stabilize command")
	}
	return RunResult{Passed: true, Output: out}, nil
}

// Stabilize runs the repo's stabilize command against the current buffer
// head under the stabilize lock. Green tags the buffer; red with auto-revert
// bisects the operations since the last green tag, rolls back to just before
// the first bad one, and routes a critical fixup task to the breaking agent.
func (c *Coordinator) Stabilize(ctx context.Context, repoID string) (*types.Stabilization, error) {
	repo, err := c.reposvc.Get(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if repo.StabilizeCommand == "" {
		return nil, errkind.New(errkind.InvalidInput, "repo %s has no stabilize command configured", repoID)
	}
	release, err := c.st.AcquireLock(ctx, "stabilize-"+repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	return c.stabilizeLocked(ctx, repo)
}

func (c *Coordinator) stabilizeLocked(ctx context.Context, repo *types.Repo) (*types.Stabilization, error) {
	started := time.Now().UTC()
	bufferCommit, err := c.git.BranchHead(ctx, repo.BufferBranch)
	if err != nil {
		return nil, err
	}

	result, details, err := c.runWithFlakes(ctx, repo)
	if err != nil {
		return nil, err
	}

	rec := &types.Stabilization{
		ID:           newID(),
		RepoID:       repo.ID,
		Result:       result,
		BufferCommit: bufferCommit,
		Details:      details,
		StartedAt:    started,
		StabilizedAt: time.Now().UTC(),
	}

	switch result {
	case types.ResultGreen:
		tag := "green/" + rec.StabilizedAt.Format("2006-01-02T15-04-05Z")
		if err := c.git.Tag(ctx, tag, bufferCommit); err != nil {
			return nil, err
		}
		rec.Tag = tag
	case types.ResultRed:
		if repo.AutoRevertOnRed {
			breaking, err := c.autoRevert(ctx, repo)
			if err != nil {
				return nil, err
			}
			rec.BreakingStreamID = breaking
		}
	}

	if err := c.recordStabilization(ctx, repo, rec); err != nil {
		return nil, err
	}

	if err := c.DispatchPlugins(ctx, repo, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// runWithFlakes classifies a stabilization run. A timeout is reported as-is
// and never retried; a red run gets the full set of reruns and is downgraded
// to flaky only when the passing fraction reaches the configured threshold.
func (c *Coordinator) runWithFlakes(ctx context.Context, repo *types.Repo) (string, string, error) {
	timeout := time.Duration(repo.StabilizeTimeoutSeconds) * time.Second
	first, err := c.runner.Run(ctx, repo.StabilizeCommand, timeout)
	if err != nil {
		return "", "", err
	}
	if first.TimedOut {
		return types.ResultTimeout, first.Output, nil
	}
	if first.Passed {
		return types.ResultGreen, first.Output, nil
	}
	retries := 0
	if c.flakeEnabled {
		retries = c.flakeRetries
	}
	greens := 0
	for i := 0; i < retries; i++ {
		retry, err := c.runner.Run(ctx, repo.StabilizeCommand, timeout)
		if err != nil {
			return "", "", err
		}
		if retry.TimedOut {
			return types.ResultTimeout, retry.Output, nil
		}
		if retry.Passed {
			greens++
		}
	}
	if greens > 0 && float64(greens)/float64(retries) >= c.flakeThreshold {
		return types.ResultFlaky, first.Output, nil
	}
	return types.ResultRed, first.Output, nil
}

// probe runs the stabilize command once against the current buffer state.
// Timeouts count as failures during bisection.
func (c *Coordinator) probe(ctx context.Context, repo *types.Repo) (bool, error) {
	timeout := time.Duration(repo.StabilizeTimeoutSeconds) * time.Second
	res, err := c.runner.Run(ctx, repo.StabilizeCommand, timeout)
	if err != nil {
		return false, err
	}
	return res.Passed && !res.TimedOut, nil
}

// autoRevert bisects the merge operations since the last green tag, rolls
// the buffer back to just before the first bad one, re-merges the later
// innocent streams, and penalizes the breaking agent. Returns the breaking
// stream id, or "" when nothing could be isolated.
func (c *Coordinator) autoRevert(ctx context.Context, repo *types.Repo) (string, error) {
	lastGreen, err := c.git.LatestTag(ctx, "green/")
	if err != nil {
		return "", err
	}
	ops, err := c.git.OperationsSince(ctx, lastGreen)
	if err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", nil
	}

	firstBad, err := c.bisectFirstBad(ctx, repo, ops)
	if err != nil {
		return "", err
	}

	// Restore to the state just before the first bad operation.
	target := int64(0)
	if firstBad > 0 {
		target = ops[firstBad-1].ID
	} else {
		target = ops[0].ID - 1
	}
	if _, err := c.git.RollbackToOperation(ctx, target); err != nil {
		return "", err
	}

	breaking := ops[firstBad].StreamID
	if err := c.revertStreamState(ctx, repo, breaking, ops[firstBad:]); err != nil {
		return "", err
	}

	// Later operations were innocent; land them again.
	for _, op := range ops[firstBad+1:] {
		if err := c.remerge(ctx, repo, op.StreamID); err != nil {
			return "", err
		}
	}
	return breaking, nil
}

// bisectFirstBad finds the index of the first operation whose state fails
// the stabilize command. ops[i].ID snapshots are post-operation states; the
// pre-ops[0] state is assumed green (it carried the last green tag).
func (c *Coordinator) bisectFirstBad(ctx context.Context, repo *types.Repo, ops []mechanics.Operation) (int, error) {
	lo, hi := 0, len(ops)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if _, err := c.git.RollbackToOperation(ctx, ops[mid].ID); err != nil {
			return 0, err
		}
		passed, err := c.probe(ctx, repo)
		if err != nil {
			return 0, err
		}
		if passed {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// revertStreamState un-merges the rolled-back streams in the database,
// penalizes the breaking agent, and opens a critical fixup task for them.
func (c *Coordinator) revertStreamState(ctx context.Context, repo *types.Repo, breaking string, rolledBack []mechanics.Operation) error {
	s, err := c.getStream(ctx, breaking)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return c.st.InTx(ctx, func(q store.Querier) error {
		for _, op := range rolledBack {
			if _, err := q.Exec(ctx, `DELETE FROM merges WHERE stream_id = $1`, op.StreamID); err != nil {
				return err
			}
			if _, err := q.Exec(ctx, `
				UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
			`, types.StreamActive, types.ReviewPending, now, op.StreamID); err != nil {
				return err
			}
			if _, err := q.Exec(ctx, `
				DELETE FROM merge_queue WHERE stream_id = $1
			`, op.StreamID); err != nil {
				return err
			}
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET review_status = $1, updated_at = $2 WHERE id = $3
		`, types.ReviewChangesRequested, now, breaking); err != nil {
			return err
		}
		if err := applyKarmaTx(ctx, q, s.AgentID, karmaBrokeBuffer, "broke_buffer", breaking); err != nil {
			return err
		}
		if _, err := c.createFixupTask(ctx, q,
			repo.ID, "Fix red buffer caused by stream "+breaking[:8],
			types.PriorityCritical, s.AgentID); err != nil {
			return err
		}
		return nil
	})
}

// remerge lands a previously rolled-back innocent stream again.
func (c *Coordinator) remerge(ctx context.Context, repo *types.Repo, streamID string) error {
	result, err := c.git.MergeStream(ctx, streamID, repo.BufferBranch)
	if err != nil {
		var conflict *mechanics.ConflictError
		if asConflict(err, &conflict) {
			return c.routeConflict(ctx, repo, streamID, conflict)
		}
		return err
	}
	now := time.Now().UTC()
	return c.st.InTx(ctx, func(q store.Querier) error {
		if _, err := q.Exec(ctx, `
			INSERT INTO merges (id, stream_id, repo_id, target_branch, merge_commit, operation_id, merged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, newID(), streamID, repo.ID, repo.BufferBranch, result.MergeCommit, result.OperationID, now); err != nil {
			return err
		}
		_, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, types.StreamMerged, types.ReviewApproved, now, streamID)
		return err
	})
}

func (c *Coordinator) recordStabilization(ctx context.Context, repo *types.Repo, rec *types.Stabilization) error {
	return c.st.InTx(ctx, func(q store.Querier) error {
		var breaking interface{}
		if rec.BreakingStreamID != "" {
			breaking = rec.BreakingStreamID
		}
		var tag interface{}
		if rec.Tag != "" {
			tag = rec.Tag
		}
		_, err := q.Exec(ctx, `
			INSERT INTO stabilizations (id, repo_id, result, buffer_commit, tag, breaking_stream_id, details, started_at, stabilized_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, rec.RepoID, rec.Result, rec.BufferCommit, tag, breaking, rec.Details, rec.StartedAt, rec.StabilizedAt)
		if err != nil {
			return err
		}
		return c.emitter.Emit(ctx, q, repo.ID, types.EventStabilization, rec)
	})
}

// mergeBatch lands several eligible streams, stabilizes once, and on red
// bisects by re-landing one at a time to isolate the offender.
func (c *Coordinator) mergeBatch(ctx context.Context, repo *types.Repo, ready []*types.QueueEntry, opts QueueOptions) error {
	type landed struct {
		entry  *types.QueueEntry
		result *mechanics.MergeResult
	}
	var merged []landed
	for _, e := range ready {
		if _, err := c.st.Exec(ctx, `
			UPDATE merge_queue SET status = 'merging' WHERE enqueue_seq = $1
		`, e.EnqueueSeq); err != nil {
			return err
		}
		result, err := c.git.MergeStream(ctx, e.StreamID, repo.BufferBranch)
		if err != nil {
			var conflict *mechanics.ConflictError
			if asConflict(err, &conflict) {
				if err := c.routeConflict(ctx, repo, e.StreamID, conflict); err != nil {
					return err
				}
				continue
			}
			_, _ = c.st.Exec(ctx, `UPDATE merge_queue SET status = 'failed' WHERE enqueue_seq = $1`, e.EnqueueSeq)
			return err
		}
		merged = append(merged, landed{entry: e, result: result})
	}
	if len(merged) == 0 {
		return nil
	}

	finalize := func() error {
		for _, l := range merged {
			if err := c.recordMerge(ctx, repo, l.entry.StreamID, l.result); err != nil {
				return err
			}
		}
		return c.cascadeActive(ctx, repo, merged[len(merged)-1].entry.StreamID)
	}

	if repo.StabilizeCommand == "" {
		return finalize()
	}

	result, _, err := c.runWithFlakes(ctx, repo)
	if err != nil {
		return err
	}
	if result == types.ResultGreen || result == types.ResultFlaky {
		return finalize()
	}

	if !opts.BisectOnFailure {
		// Undo the whole batch and fail its queue entries.
		if _, err := c.git.RollbackToOperation(ctx, merged[0].result.OperationID-1); err != nil {
			return err
		}
		for _, l := range merged {
			if _, err := c.st.Exec(ctx, `
				UPDATE merge_queue SET status = 'failed' WHERE enqueue_seq = $1
			`, l.entry.EnqueueSeq); err != nil {
				return err
			}
		}
		return nil
	}

	// Roll back to the pre-batch state and land one at a time, probing after
	// each, so the offender is isolated and the rest still land.
	if _, err := c.git.RollbackToOperation(ctx, merged[0].result.OperationID-1); err != nil {
		return err
	}
	for _, l := range merged {
		result, err := c.git.MergeStream(ctx, l.entry.StreamID, repo.BufferBranch)
		if err != nil {
			var conflict *mechanics.ConflictError
			if asConflict(err, &conflict) {
				if err := c.routeConflict(ctx, repo, l.entry.StreamID, conflict); err != nil {
					return err
				}
				continue
			}
			return err
		}
		passed, err := c.probe(ctx, repo)
		if err != nil {
			return err
		}
		if !passed {
			if _, err := c.git.RollbackToOperation(ctx, result.OperationID-1); err != nil {
				return err
			}
			if err := c.failBatchOffender(ctx, repo, l.entry); err != nil {
				return err
			}
			continue
		}
		if err := c.recordMerge(ctx, repo, l.entry.StreamID, result); err != nil {
			return err
		}
	}
	return c.cascadeActive(ctx, repo, merged[len(merged)-1].entry.StreamID)
}

// failBatchOffender marks the stream that broke the batch and routes a
// critical fixup task to its owner.
func (c *Coordinator) failBatchOffender(ctx context.Context, repo *types.Repo, e *types.QueueEntry) error {
	s, err := c.getStream(ctx, e.StreamID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return c.st.InTx(ctx, func(q store.Querier) error {
		if _, err := q.Exec(ctx, `
			UPDATE merge_queue SET status = 'failed' WHERE enqueue_seq = $1
		`, e.EnqueueSeq); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, types.StreamActive, types.ReviewChangesRequested, now, e.StreamID); err != nil {
			return err
		}
		if err := applyKarmaTx(ctx, q, s.AgentID, karmaBrokeBuffer, "broke_buffer", e.StreamID); err != nil {
			return err
		}
		_, err := c.createFixupTask(ctx, q,
			repo.ID, "Fix failing batch merge of stream "+e.StreamID[:8],
			types.PriorityCritical, s.AgentID)
		return err
	})
}
