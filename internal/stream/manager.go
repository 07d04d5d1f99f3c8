// Package stream implements the stream state machine: workspace creation,
// commits, review submission, and abandonment. The policy row here shares
// its id 1:1 with the git mechanics stream entry; mechanics is delegated,
// never reimplemented.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Emitter appends a sync event inside the caller's transaction, so events
// are never recorded without the state change persisting.
type Emitter interface {
	Emit(ctx context.Context, q store.Querier, repoID, eventType string, payload interface{}) error
}

// Merger hands a stream to the merge coordinator (swarm-mode auto-merge).
type Merger interface {
	AutoMerge(ctx context.Context, streamID string) error
}

// Manager drives stream lifecycle.
type Manager struct {
	st      store.Store
	idsvc   *identity.Service
	reposvc *repos.Service
	git     mechanics.Client
	emitter Emitter
	merger  Merger
}

// NewManager wires a stream manager. merger may be nil until the
// coordinator is constructed (see SetMerger).
func NewManager(st store.Store, idsvc *identity.Service, reposvc *repos.Service, git mechanics.Client, emitter Emitter) *Manager {
	return &Manager{st: st, idsvc: idsvc, reposvc: reposvc, git: git, emitter: emitter}
}

// SetMerger attaches the merge coordinator for swarm-mode auto-merge.
func (m *Manager) SetMerger(merger Merger) { m.merger = merger }

// CreateWorkspaceRequest describes a new workspace.
type CreateWorkspaceRequest struct {
	AgentID   string
	RepoID    string
	TaskID    string
	DependsOn []string
}

// Workspace is the result of workspace creation.
type Workspace struct {
	Stream   *types.Stream `json:"stream"`
	Worktree string        `json:"worktree"`
}

// CreateWorkspace validates write permission, delegates stream creation to
// mechanics, and inserts the policy row with source=cli. Dependencies form
// a DAG; a cycle-creating edge is rejected.
func (m *Manager) CreateWorkspace(ctx context.Context, req CreateWorkspaceRequest) (*Workspace, error) {
	if err := ids.ValidateAll(req.AgentID, req.RepoID); err != nil {
		return nil, err
	}
	agent, err := m.idsvc.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	repo, err := m.reposvc.Get(ctx, req.RepoID)
	if err != nil {
		return nil, err
	}
	if _, err := m.idsvc.CanPerform(ctx, agent, repo, types.ActionWrite); err != nil {
		return nil, err
	}
	for _, dep := range req.DependsOn {
		if err := ids.Validate(dep); err != nil {
			return nil, err
		}
	}

	parent := ""
	if len(req.DependsOn) > 0 {
		parent = req.DependsOn[0]
	}
	streamID, err := m.git.CreateStream(ctx, repo.ID, repo.BufferBranch, parent)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s := &types.Stream{
		ID:           streamID,
		RepoID:       repo.ID,
		AgentID:      agent.ID,
		Branch:       "stream/" + streamID[:8],
		BaseBranch:   repo.BufferBranch,
		TaskID:       req.TaskID,
		Status:       types.StreamActive,
		ReviewStatus: types.ReviewPending,
		Source:       types.SourceCLI,
		Metadata:     "{}",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = m.st.InTx(ctx, func(q store.Querier) error {
		var taskID interface{}
		if s.TaskID != "" {
			taskID = s.TaskID
		}
		_, err := q.Exec(ctx, `
			INSERT INTO streams
				(id, repo_id, agent_id, branch, base_branch, task_id, status,
				 review_status, source, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, s.ID, s.RepoID, s.AgentID, s.Branch, s.BaseBranch, taskID,
			s.Status, s.ReviewStatus, s.Source, s.Metadata, s.CreatedAt, s.UpdatedAt)
		if err != nil {
			return err
		}
		for _, dep := range req.DependsOn {
			if err := m.addDependency(ctx, q, s.ID, dep); err != nil {
				return err
			}
		}
		if s.TaskID != "" {
			_, err := q.Exec(ctx, `
				UPDATE task_claims SET stream_id = $1
				WHERE task_id = $2 AND agent_id = $3 AND status = $4
			`, s.ID, s.TaskID, s.AgentID, types.ClaimActive)
			if err != nil {
				return err
			}
		}
		return m.emitter.Emit(ctx, q, s.RepoID, "stream_created", s)
	})
	if err != nil {
		return nil, err
	}

	worktree, err := m.git.CreateWorktree(ctx, s.ID, agent.ID)
	if err != nil {
		return nil, err
	}
	return &Workspace{Stream: s, Worktree: worktree}, nil
}

// addDependency records a DAG edge after checking it cannot close a cycle:
// the edge stream->parent is illegal when stream is already an ancestor of
// parent.
func (m *Manager) addDependency(ctx context.Context, q store.Querier, streamID, parentID string) error {
	if streamID == parentID {
		return errkind.New(errkind.InvalidInput, "stream cannot depend on itself")
	}
	ancestor, err := isAncestor(ctx, q, streamID, parentID)
	if err != nil {
		return err
	}
	if ancestor {
		return errkind.New(errkind.InvalidInput,
			"dependency %s -> %s would create a cycle", streamID, parentID)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO stream_parents (stream_id, parent_stream_id) VALUES ($1, $2)
	`, streamID, parentID)
	return err
}

// isAncestor walks parent edges from `of` looking for target.
func isAncestor(ctx context.Context, q store.Querier, target, of string) (bool, error) {
	frontier := []string{of}
	seen := map[string]bool{of: true}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		rows, err := q.Query(ctx, `
			SELECT parent_stream_id FROM stream_parents WHERE stream_id = $1
		`, cur)
		if err != nil {
			return false, err
		}
		var parents []string
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
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
			if p == target {
				return true, nil
			}
			if !seen[p] {
				seen[p] = true
				frontier = append(frontier, p)
			}
		}
	}
	return false, nil
}

// Get fetches a stream by id.
func (m *Manager) Get(ctx context.Context, streamID string) (*types.Stream, error) {
	if err := ids.Validate(streamID); err != nil {
		return nil, err
	}
	return getStream(ctx, m.st, streamID)
}

func getStream(ctx context.Context, q store.Querier, streamID string) (*types.Stream, error) {
	var s types.Stream
	var taskID *string
	err := q.QueryRow(ctx, `
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

// CommitRequest describes a commit to an existing stream.
type CommitRequest struct {
	AgentID  string
	StreamID string
	Worktree string
	Message  string
}

// Commit delegates to mechanics, records the commit, and dispatches on the
// repo's merge mode: swarm hands the stream straight to the coordinator;
// review and gated leave it in the stream. A commit to a conflicted stream
// clears the conflict and reactivates it; a commit to an in-review stream
// resets review_status to pending and invalidates prior reviews.
func (m *Manager) Commit(ctx context.Context, req CommitRequest) (*mechanics.CommitResult, error) {
	if err := ids.ValidateAll(req.AgentID, req.StreamID); err != nil {
		return nil, err
	}
	release, err := m.st.AcquireLock(ctx, "stream-"+req.StreamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	s, err := m.Get(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case types.StreamActive, types.StreamInReview, types.StreamConflicted:
	default:
		return nil, errkind.New(errkind.IllegalTransition,
			"cannot commit to %s stream (from=%s to=%s)", s.Status, s.Status, types.StreamActive)
	}

	result, err := m.git.Commit(ctx, s.ID, req.Worktree, req.Message, req.AgentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = m.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO stream_commits (id, stream_id, commit_hash, change_id, message, agent_id, committed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ids.New(), s.ID, result.CommitHash, result.ChangeID, req.Message, req.AgentID, now)
		if err != nil {
			return err
		}

		if s.Status == types.StreamConflicted {
			if _, err := q.Exec(ctx, `
				UPDATE conflicts SET status = 'resolved', resolved_at = $1
				WHERE stream_id = $2 AND status = 'pending'
			`, now, s.ID); err != nil {
				return err
			}
		}
		if s.Status == types.StreamInReview {
			// New code invalidates prior verdicts.
			if _, err := q.Exec(ctx, `
				UPDATE stream_reviews SET superseded = 1 WHERE stream_id = $1
			`, s.ID); err != nil {
				return err
			}
		}
		_, err = q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, statusAfterCommit(s.Status), types.ReviewPending, now, s.ID)
		if err != nil {
			return err
		}

		return m.emitter.Emit(ctx, q, s.RepoID, "commit", map[string]interface{}{
			"stream_id":   s.ID,
			"commit_hash": result.CommitHash,
			"change_id":   result.ChangeID,
			"message":     req.Message,
			"agent_id":    req.AgentID,
		})
	})
	if err != nil {
		return nil, err
	}

	repo, err := m.reposvc.Get(ctx, s.RepoID)
	if err != nil {
		return nil, err
	}
	if repo.MergeMode == types.MergeModeSwarm && m.merger != nil {
		if err := m.merger.AutoMerge(ctx, s.ID); err != nil {
			return result, err
		}
	}
	return result, nil
}

// statusAfterCommit keeps an in-review stream in review pending fresh
// verdicts; conflicted streams reactivate.
func statusAfterCommit(status string) string {
	if status == types.StreamInReview {
		return types.StreamInReview
	}
	return types.StreamActive
}

// SubmitForReview transitions active -> in_review.
func (m *Manager) SubmitForReview(ctx context.Context, streamID string) error {
	if err := ids.Validate(streamID); err != nil {
		return err
	}
	release, err := m.st.AcquireLock(ctx, "stream-"+streamID)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	s, err := m.Get(ctx, streamID)
	if err != nil {
		return err
	}
	if s.Status != types.StreamActive {
		return errkind.New(errkind.IllegalTransition,
			"submit_for_review requires active (from=%s to=%s)", s.Status, types.StreamInReview)
	}
	return m.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, types.StreamInReview, types.ReviewPending, time.Now().UTC(), streamID)
		if err != nil {
			return err
		}
		return m.emitter.Emit(ctx, q, s.RepoID, "stream_in_review", map[string]string{
			"stream_id": streamID,
		})
	})
}

// Abandon is terminal. The owner's worktree is released once the state
// change commits.
func (m *Manager) Abandon(ctx context.Context, streamID, reason string) error {
	if err := ids.Validate(streamID); err != nil {
		return err
	}
	release, err := m.st.AcquireLock(ctx, "stream-"+streamID)
	if err != nil {
		return err
	}
	defer func() { _ = release() }()

	s, err := m.Get(ctx, streamID)
	if err != nil {
		return err
	}
	if s.Status == types.StreamMerged || s.Status == types.StreamAbandoned {
		return errkind.New(errkind.IllegalTransition,
			"stream already terminal (from=%s to=%s)", s.Status, types.StreamAbandoned)
	}
	meta := s.Metadata
	if reason != "" {
		merged, err := mergeMetadata(meta, map[string]string{"abandon_reason": reason})
		if err == nil {
			meta = merged
		}
	}
	err = m.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, metadata = $2, updated_at = $3 WHERE id = $4
		`, types.StreamAbandoned, meta, time.Now().UTC(), streamID)
		if err != nil {
			return err
		}
		return m.emitter.Emit(ctx, q, s.RepoID, "stream_abandoned", map[string]string{
			"stream_id": streamID,
			"reason":    reason,
		})
	})
	if err != nil {
		return err
	}
	return m.git.RemoveWorktree(ctx, streamID, s.AgentID)
}

func mergeMetadata(metadata string, extra map[string]string) (string, error) {
	data := map[string]interface{}{}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &data); err != nil {
			return "", fmt.Errorf("invalid stream metadata: %w", err)
		}
	}
	for k, v := range extra {
		data[k] = v
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
