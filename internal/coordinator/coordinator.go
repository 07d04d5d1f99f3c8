// Package coordinator owns everything between a merge-ready stream and a
// promoted main: the merge queue and its dependency-aware ordering, conflict
// routing, the stabilization driver with flake detection and bisect-based
// revert, the promotion gate, and Tier-1 plugin dispatch.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// ConsensusChecker evaluates consensus for a stream. The local service
// implements it directly; under server authority the sync engine wraps it
// with queue-drain and remote routing.
type ConsensusChecker interface {
	Check(ctx context.Context, streamID, repoID string) (*consensus.Result, error)
}

// Emitter appends a sync event inside the caller's transaction.
type Emitter interface {
	Emit(ctx context.Context, q store.Querier, repoID, eventType string, payload interface{}) error
}

// Karma deltas applied by the coordinator.
const (
	karmaMergedStream = 5
	karmaBrokeBuffer  = -3
)

// Coordinator drives merges, stabilization and promotion for repos.
type Coordinator struct {
	st      store.Store
	idsvc   *identity.Service
	reposvc *repos.Service
	checker ConsensusChecker
	git     mechanics.Client
	emitter Emitter
	runner  Runner
	plugins []PluginSpec

	flakeEnabled   bool
	flakeRetries   int
	flakeThreshold float64
	queueOpts      QueueOptions
}

// New wires a coordinator. runner may be nil to default to the shell
// runner used for stabilize commands.
func New(st store.Store, idsvc *identity.Service, reposvc *repos.Service,
	checker ConsensusChecker, git mechanics.Client, emitter Emitter, runner Runner) *Coordinator {
	if runner == nil {
		runner = &execRunner{}
	}
	return &Coordinator{
		st: st, idsvc: idsvc, reposvc: reposvc,
		checker: checker, git: git, emitter: emitter, runner: runner,
		flakeEnabled: true, flakeRetries: defaultFlakeRetries,
		flakeThreshold: defaultFlakyThreshold,
		queueOpts:      DefaultQueueOptions(),
	}
}

// SetFlakePolicy overrides red-run retry behavior from the repo config.
// threshold is the fraction of reruns that must pass to call a red run
// flaky; zero keeps the default.
func (c *Coordinator) SetFlakePolicy(enabled bool, retries int, threshold float64) {
	c.flakeEnabled = enabled
	if retries > 0 {
		c.flakeRetries = retries
	}
	if threshold > 0 {
		c.flakeThreshold = threshold
	}
}

// SetQueueOptions overrides the queue batching behavior used by the merge
// paths; RequestMerge, AutoMerge and conflict retries all drain with these.
func (c *Coordinator) SetQueueOptions(opts QueueOptions) {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	c.queueOpts = opts
}

// MergeResponse reports the outcome of a merge request.
type MergeResponse struct {
	Merged    bool              `json:"merged"`
	Queued    bool              `json:"queued"`
	Consensus *consensus.Result `json:"consensus,omitempty"`
}

// RequestMerge lands (or queues) a stream onto its repo's buffer, dispatched
// on merge mode. Swarm skips consensus; review requires it; gated adds the
// maintainer gate. Under server authority an unreachable server queues a
// merge_requested event instead of falling back to local consensus.
func (c *Coordinator) RequestMerge(ctx context.Context, agentID, streamID string) (*MergeResponse, error) {
	if err := ids.ValidateAll(agentID, streamID); err != nil {
		return nil, err
	}
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	repo, err := c.reposvc.Get(ctx, s.RepoID)
	if err != nil {
		return nil, err
	}
	agent, err := c.idsvc.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	switch repo.MergeMode {
	case types.MergeModeSwarm:
		if err := c.enqueue(ctx, repo.ID, s.ID, agentID, types.PriorityRank[types.PriorityMedium]); err != nil {
			return nil, err
		}
		if err := c.ProcessQueue(ctx, repo.ID, c.queueOpts); err != nil {
			return nil, err
		}
		return c.mergeOutcome(ctx, s.ID)

	case types.MergeModeReview:
		return c.consensusMerge(ctx, repo, s, agentID)

	case types.MergeModeGated:
		res, err := c.idsvc.ResolvePermissions(ctx, agent, repo)
		if err != nil {
			return nil, err
		}
		if types.LevelRank[res.Level] < types.LevelRank[types.LevelMaintain] {
			return nil, errkind.New(errkind.Forbidden,
				"action=merge requires maintain in gated mode, have %s (source=%s)", res.Level, res.Source)
		}
		if err := c.checkMaintainerGate(ctx, repo, s); err != nil {
			return nil, err
		}
		return c.consensusMerge(ctx, repo, s, agentID)
	}
	return nil, errkind.New(errkind.Fatal, "repo %s has unknown merge mode %q", repo.ID, repo.MergeMode)
}

// AutoMerge is the swarm-mode commit path: no consensus, straight to the
// queue.
func (c *Coordinator) AutoMerge(ctx context.Context, streamID string) error {
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return err
	}
	if err := c.enqueue(ctx, s.RepoID, s.ID, s.AgentID, types.PriorityRank[types.PriorityMedium]); err != nil {
		return err
	}
	return c.ProcessQueue(ctx, s.RepoID, c.queueOpts)
}

func (c *Coordinator) consensusMerge(ctx context.Context, repo *types.Repo, s *types.Stream, agentID string) (*MergeResponse, error) {
	result, err := c.checker.Check(ctx, s.ID, repo.ID)
	if err != nil {
		return nil, err
	}
	if result.Reason == consensus.ReasonServerUnavailable {
		// Never fall back to local consensus: queue the request for the
		// server to evaluate on drain.
		err := c.st.InTx(ctx, func(q store.Querier) error {
			return c.emitter.Emit(ctx, q, repo.ID, types.EventMergeRequested, map[string]string{
				"stream_id":    s.ID,
				"requested_by": agentID,
			})
		})
		if err != nil {
			return nil, err
		}
		result.Queued = true
		return &MergeResponse{Queued: true, Consensus: result}, nil
	}
	if !result.Reached {
		return &MergeResponse{Consensus: result}, nil
	}

	err = c.st.InTx(ctx, func(q store.Querier) error {
		return c.emitter.Emit(ctx, q, repo.ID, types.EventConsensusReached, map[string]interface{}{
			"stream_id": s.ID,
			"result":    result,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := c.enqueue(ctx, repo.ID, s.ID, agentID, types.PriorityRank[types.PriorityMedium]); err != nil {
		return nil, err
	}
	if err := c.ProcessQueue(ctx, repo.ID, c.queueOpts); err != nil {
		return nil, err
	}
	resp, err := c.mergeOutcome(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	resp.Consensus = result
	return resp, nil
}

// checkMaintainerGate rejects the merge while any maintainer's effective
// verdict is still request_changes. A later approve from the same
// maintainer supersedes the objection (latest verdict wins).
func (c *Coordinator) checkMaintainerGate(ctx context.Context, repo *types.Repo, s *types.Stream) error {
	var blockers int
	err := c.st.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM stream_reviews r
		JOIN maintainers m ON m.repo_id = $1 AND m.agent_id = r.reviewer_id
		WHERE r.stream_id = $2 AND r.superseded = 0 AND r.verdict = $3
	`, repo.ID, s.ID, types.VerdictRequestChanges).Scan(&blockers)
	if err != nil {
		return store.ScanOne(err, "maintainer reviews")
	}
	if blockers > 0 {
		return errkind.New(errkind.Forbidden,
			"%d maintainer change requests outstanding (source=maintainer_role)", blockers)
	}
	return nil
}

func (c *Coordinator) mergeOutcome(ctx context.Context, streamID string) (*MergeResponse, error) {
	s, err := c.getStream(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return &MergeResponse{
		Merged: s.Status == types.StreamMerged,
		Queued: s.Status != types.StreamMerged && s.Status != types.StreamConflicted,
	}, nil
}

func (c *Coordinator) getStream(ctx context.Context, streamID string) (*types.Stream, error) {
	var s types.Stream
	var taskID *string
	err := c.st.QueryRow(ctx, `
		SELECT id, repo_id, agent_id, branch, base_branch, task_id, status,
		       review_status, source, metadata, created_at, updated_at
		FROM streams WHERE id = $1
	`, streamID).Scan(&s.ID, &s.RepoID, &s.AgentID, &s.Branch, &s.BaseBranch,
		&taskID, &s.Status, &s.ReviewStatus, &s.Source, &s.Metadata,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, store.ScanOne(err, "stream")
	}
	if taskID != nil {
		s.TaskID = *taskID
	}
	return &s, nil
}

// createFixupTask records a fixup task, optionally claiming it for the
// assignee in the same transaction.
func (c *Coordinator) createFixupTask(ctx context.Context, q store.Querier, repoID, title, priority, assignee string) (string, error) {
	taskID := ids.New()
	now := time.Now().UTC()
	var assigned interface{}
	status := types.TaskOpen
	if assignee != "" {
		assigned = assignee
		status = types.TaskClaimed
	}
	_, err := q.Exec(ctx, `
		INSERT INTO tasks (id, repo_id, title, description, priority, status, created_by, assigned_to, created_at)
		VALUES ($1, $2, $3, '', $4, $5, 'coordinator', $6, $7)
	`, taskID, repoID, title, priority, status, assigned, now)
	if err != nil {
		return "", err
	}
	if assignee != "" {
		_, err = q.Exec(ctx, `
			INSERT INTO task_claims (id, task_id, agent_id, stream_id, status, claimed_at)
			VALUES ($1, $2, $3, NULL, $4, $5)
		`, ids.New(), taskID, assignee, types.ClaimActive, now)
		if err != nil {
			return "", err
		}
	}
	return taskID, nil
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
