package mechanics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
)

// Git is the exec-backed provider for a local repository. Stream branches
// live under gitswarm/stream/, operation tags under gitswarm/op/. Provider
// bookkeeping (stream table, operation log) persists in
// .gitswarm/mechanics.json next to the federation database.
type Git struct {
	mu       sync.Mutex
	repoPath string
	state    gitState
}

type gitStream struct {
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Parent string `json:"parent,omitempty"`
	Merged bool   `json:"merged"`
}

type gitOp struct {
	ID       int64  `json:"id"`
	StreamID string `json:"stream_id"`
	Commit   string `json:"commit"`
	Branch   string `json:"branch"`
	Kind     string `json:"kind"`
}

type gitState struct {
	Streams map[string]*gitStream `json:"streams"`
	Ops     []gitOp               `json:"ops"`
	OpSeq   int64                 `json:"op_seq"`
}

// NewGit opens the provider over an existing git repository.
func NewGit(repoPath string) (*Git, error) {
	g := &Git{
		repoPath: repoPath,
		state:    gitState{Streams: make(map[string]*gitStream)},
	}
	if err := g.loadState(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Git) statePath() string {
	return filepath.Join(g.repoPath, ".gitswarm", "mechanics.json")
}

func (g *Git) loadState() error {
	data, err := os.ReadFile(g.statePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read mechanics state: %w", err)
	}
	if err := json.Unmarshal(data, &g.state); err != nil {
		return fmt.Errorf("parse mechanics state: %w", err)
	}
	if g.state.Streams == nil {
		g.state.Streams = make(map[string]*gitStream)
	}
	return nil
}

func (g *Git) saveState() error {
	data, err := json.MarshalIndent(&g.state, "", "  ")
	if err != nil {
		return err
	}
	path := g.statePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// run executes a git command in dir and returns trimmed stdout+stderr.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		return out, fmt.Errorf("git %s: %w\nOutput: %s", strings.Join(args, " "), err, out)
	}
	return out, nil
}

func (g *Git) CreateStream(ctx context.Context, repoID, base, parent string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ids.New()
	branch := "gitswarm/stream/" + id[:8]
	if _, err := g.run(ctx, g.repoPath, "branch", branch, base); err != nil {
		return "", err
	}
	g.state.Streams[id] = &gitStream{Branch: branch, Base: base, Parent: parent}
	if err := g.saveState(); err != nil {
		return "", err
	}
	return id, nil
}

func (g *Git) CreateWorktree(ctx context.Context, streamID, agentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state.Streams[streamID]
	if !ok {
		return "", fmt.Errorf("unknown stream %s", streamID)
	}
	path := filepath.Join(g.repoPath, ".gitswarm", "worktrees", agentID[:8]+"-"+streamID[:8])
	_, _ = g.run(ctx, g.repoPath, "worktree", "prune")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, g.repoPath, "worktree", "add", "-f", path, s.Branch); err != nil {
		return "", err
	}
	return path, nil
}

func (g *Git) RemoveWorktree(ctx context.Context, streamID, agentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	path := filepath.Join(g.repoPath, ".gitswarm", "worktrees", agentID[:8]+"-"+streamID[:8])
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = g.run(ctx, g.repoPath, "worktree", "prune")
		return nil
	}
	_, err := g.run(ctx, g.repoPath, "worktree", "remove", path, "--force")
	return err
}

func (g *Git) Commit(ctx context.Context, streamID, worktree, message, agentID string) (*CommitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.state.Streams[streamID]; !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	if _, err := g.run(ctx, worktree, "add", "-A"); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, worktree, "commit", "--allow-empty", "-m", message,
		"--author", agentID+" <"+agentID+"@gitswarm.local>"); err != nil {
		return nil, err
	}
	hash, err := g.run(ctx, worktree, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}
	return &CommitResult{CommitHash: hash, ChangeID: "I" + hash[:16]}, nil
}

func (g *Git) MergeStream(ctx context.Context, streamID, target string) (*MergeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state.Streams[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	if s.Merged {
		return nil, fmt.Errorf("stream %s already merged", streamID)
	}

	wt, cleanup, err := g.tempWorktree(ctx, target)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := g.run(ctx, wt, "merge", "--no-ff", "--no-edit", s.Branch); err != nil {
		files, _ := g.run(ctx, wt, "diff", "--name-only", "--diff-filter=U")
		_, _ = g.run(ctx, wt, "merge", "--abort")
		if files != "" {
			return nil, &ConflictError{
				Files:  strings.Split(files, "\n"),
				Source: streamID,
				Target: target,
			}
		}
		return nil, err
	}
	mergeCommit, err := g.run(ctx, wt, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	s.Merged = true
	g.state.OpSeq++
	op := gitOp{ID: g.state.OpSeq, StreamID: streamID, Commit: mergeCommit, Branch: target, Kind: "merge"}
	g.state.Ops = append(g.state.Ops, op)
	if err := g.saveState(); err != nil {
		return nil, err
	}
	if _, err := g.run(ctx, g.repoPath, "tag", "-f",
		fmt.Sprintf("gitswarm/op/%d", op.ID), mergeCommit); err != nil {
		return nil, err
	}
	return &MergeResult{MergeCommit: mergeCommit, OperationID: op.ID}, nil
}

// tempWorktree checks target out in a throwaway worktree so merges never
// disturb the user's checkout.
func (g *Git) tempWorktree(ctx context.Context, branch string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "gitswarm-merge-*")
	if err != nil {
		return "", nil, err
	}
	// worktree add refuses an existing empty dir unless forced onto a path.
	path := filepath.Join(dir, "wt")
	if _, err := g.run(ctx, g.repoPath, "worktree", "add", "-f", path, branch); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	cleanup := func() {
		_, _ = g.run(context.Background(), g.repoPath, "worktree", "remove", path, "--force")
		_ = os.RemoveAll(dir)
	}
	return path, cleanup, nil
}

func (g *Git) CascadeRebase(ctx context.Context, streamIDs []string) ([]CascadeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	results := make([]CascadeResult, 0, len(streamIDs))
	for _, id := range streamIDs {
		s, ok := g.state.Streams[id]
		if !ok || s.Merged {
			results = append(results, CascadeResult{StreamID: id, Outcome: CascadeSkipped})
			continue
		}
		wt, cleanup, err := g.tempWorktree(ctx, s.Branch)
		if err != nil {
			return nil, err
		}
		if _, err := g.run(ctx, wt, "rebase", s.Base); err != nil {
			files, _ := g.run(ctx, wt, "diff", "--name-only", "--diff-filter=U")
			_, _ = g.run(ctx, wt, "rebase", "--abort")
			cleanup()
			results = append(results, CascadeResult{
				StreamID: id, Outcome: CascadeConflict,
				Detail: strings.ReplaceAll(files, "\n", ","),
			})
			continue
		}
		cleanup()
		results = append(results, CascadeResult{StreamID: id, Outcome: CascadeRebased})
	}
	return results, nil
}

func (g *Git) RollbackToOperation(ctx context.Context, opID int64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Resolve the restore point: the commit of opID, or the parent of the
	// first recorded op when rolling back before everything.
	var head, branch string
	for _, op := range g.state.Ops {
		if op.ID == opID {
			head, branch = op.Commit, op.Branch
		}
	}
	if head == "" {
		if len(g.state.Ops) == 0 {
			return "", fmt.Errorf("no operations to roll back")
		}
		first := g.state.Ops[0]
		parent, err := g.run(ctx, g.repoPath, "rev-parse", first.Commit+"^")
		if err != nil {
			return "", err
		}
		head, branch = parent, first.Branch
	}

	if _, err := g.run(ctx, g.repoPath, "branch", "-f", branch, head); err != nil {
		return "", err
	}
	for _, op := range g.state.Ops {
		if op.ID <= opID {
			continue
		}
		if s, ok := g.state.Streams[op.StreamID]; ok {
			s.Merged = false
		}
	}
	if err := g.saveState(); err != nil {
		return "", err
	}
	return head, nil
}

func (g *Git) OperationsSince(ctx context.Context, tag string) ([]Operation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sinceCommit string
	if tag != "" {
		c, err := g.run(ctx, g.repoPath, "rev-parse", tag+"^{commit}")
		if err == nil {
			sinceCommit = c
		}
	}
	var out []Operation
	seen := sinceCommit == ""
	for _, op := range g.state.Ops {
		if seen {
			out = append(out, Operation{ID: op.ID, StreamID: op.StreamID, Commit: op.Commit, Kind: op.Kind})
		}
		if op.Commit == sinceCommit {
			seen = true
		}
	}
	if sinceCommit != "" && !seen {
		for _, op := range g.state.Ops {
			out = append(out, Operation{ID: op.ID, StreamID: op.StreamID, Commit: op.Commit, Kind: op.Kind})
		}
	}
	return out, nil
}

func (g *Git) Diff(ctx context.Context, streamID, against string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state.Streams[streamID]
	if !ok {
		return "", fmt.Errorf("unknown stream %s", streamID)
	}
	return g.run(ctx, g.repoPath, "diff", against+"..."+s.Branch)
}

func (g *Git) ChangedFiles(ctx context.Context, streamID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state.Streams[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	out, err := g.run(ctx, g.repoPath, "diff", "--name-only", s.Base+"..."+s.Branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *Git) BranchHead(ctx context.Context, branch string) (string, error) {
	return g.run(ctx, g.repoPath, "rev-parse", "refs/heads/"+branch)
}

func (g *Git) Tag(ctx context.Context, name, commit string) error {
	_, err := g.run(ctx, g.repoPath, "tag", "-f", name, commit)
	return err
}

func (g *Git) ResolveTag(ctx context.Context, name string) (string, error) {
	return g.run(ctx, g.repoPath, "rev-parse", name+"^{commit}")
}

func (g *Git) LatestTag(ctx context.Context, prefix string) (string, error) {
	out, err := g.run(ctx, g.repoPath, "tag", "-l", prefix+"*")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	names := strings.Split(out, "\n")
	sort.Strings(names)
	return names[len(names)-1], nil
}

func (g *Git) FastForward(ctx context.Context, branch, commit string) error {
	head, err := g.BranchHead(ctx, branch)
	if err != nil {
		return err
	}
	if head == commit {
		return nil
	}
	ancestor, err := g.IsAncestor(ctx, head, commit)
	if err != nil {
		return err
	}
	if !ancestor {
		return errkind.New(errkind.Conflict, "diverged: %s is not an ancestor of %s", head, commit)
	}
	_, err = g.run(ctx, g.repoPath, "branch", "-f", branch, commit)
	return err
}

func (g *Git) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", a, b)
	cmd.Dir = g.repoPath
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s: %w", a, b, err)
}
