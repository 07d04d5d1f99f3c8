// Package mechanics is the typed facade over the external git mechanics
// provider: worktrees, commits, merges, cascade rebases, operation history.
// The federation engine never reissues a git command itself; provider
// failures surface verbatim to the caller of the operation that invoked
// them. The provider owns its own tables (gc_* in the embedded backend).
package mechanics

import (
	"context"
	"fmt"
	"strings"
)

// CommitResult is what a provider returns for a landed commit.
type CommitResult struct {
	CommitHash string `json:"commit_hash"`
	ChangeID   string `json:"change_id"`
}

// MergeResult reports a successful merge. OperationID orders the merge in
// the provider's atomic operation log.
type MergeResult struct {
	MergeCommit string `json:"merge_commit"`
	OperationID int64  `json:"operation_id"`
}

// ConflictError reports a merge conflict. It satisfies error so providers
// can surface it through the normal return path.
type ConflictError struct {
	Files  []string
	Source string
	Target string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict merging %s into %s: %s",
		e.Source, e.Target, strings.Join(e.Files, ", "))
}

// Operation is one atomic provider operation, used for bisect.
type Operation struct {
	ID       int64  `json:"id"`
	StreamID string `json:"stream_id"`
	Commit   string `json:"commit"`
	Kind     string `json:"kind"`
}

// Cascade outcomes.
const (
	CascadeRebased  = "rebased"
	CascadeConflict = "conflict"
	CascadeSkipped  = "skipped"
)

// CascadeResult is the per-stream outcome of a cascade rebase.
type CascadeResult struct {
	StreamID string `json:"stream_id"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// Client is the complete provider contract. Any provider satisfying it is
// acceptable; the provider guarantees serializability of MergeStream and
// CascadeRebase per repo.
type Client interface {
	// CreateStream registers a stream branch off base. A parent stream id
	// records the dependency in the provider's DAG. Returns the stream id.
	CreateStream(ctx context.Context, repoID, base, parent string) (string, error)

	// CreateWorktree provisions an isolated worktree for the agent.
	CreateWorktree(ctx context.Context, streamID, agentID string) (string, error)

	// RemoveWorktree releases the agent's worktree for the stream. A
	// worktree that was never provisioned is not an error.
	RemoveWorktree(ctx context.Context, streamID, agentID string) error

	// Commit records a commit in the stream's worktree.
	Commit(ctx context.Context, streamID, worktree, message, agentID string) (*CommitResult, error)

	// MergeStream atomically merges the stream into target, or returns a
	// *ConflictError.
	MergeStream(ctx context.Context, streamID, target string) (*MergeResult, error)

	// CascadeRebase rebases the given active streams onto their latest
	// parent; per-stream outcomes, never a partial failure.
	CascadeRebase(ctx context.Context, streamIDs []string) ([]CascadeResult, error)

	// RollbackToOperation restores branch state to just after opID,
	// reversing (or replaying, for a bisect probe) later operations.
	// Returns the new HEAD.
	RollbackToOperation(ctx context.Context, opID int64) (string, error)

	// OperationsSince lists atomic operations after the commit a tag
	// points at, in order.
	OperationsSince(ctx context.Context, tag string) ([]Operation, error)

	// Diff returns the textual diff of the stream against a ref.
	Diff(ctx context.Context, streamID, against string) (string, error)

	// ChangedFiles returns the set of paths the stream touches.
	ChangedFiles(ctx context.Context, streamID string) ([]string, error)

	// BranchHead resolves a branch to its current commit.
	BranchHead(ctx context.Context, branch string) (string, error)

	// Tag points name at commit, replacing any previous target.
	Tag(ctx context.Context, name, commit string) error

	// ResolveTag returns the commit a tag points at.
	ResolveTag(ctx context.Context, name string) (string, error)

	// LatestTag returns the newest tag with the given prefix, or "".
	LatestTag(ctx context.Context, prefix string) (string, error)

	// FastForward advances branch to commit. Fails when the move is not a
	// pure fast-forward.
	FastForward(ctx context.Context, branch, commit string) error

	// IsAncestor reports whether a is an ancestor of (or equal to) b.
	IsAncestor(ctx context.Context, a, b string) (bool, error)
}
