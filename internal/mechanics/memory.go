package mechanics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
)

// Memory is an in-process provider. It models branches as file->content
// maps with a parent-linked commit graph, which is enough to exercise every
// federation path: conflicts, cascades, operation history, rollback and
// fast-forward. Used by the test suites and by local dry runs.
type Memory struct {
	mu sync.Mutex

	commitSeq int
	opSeq     int64
	genesis   string

	branches  map[string]*memBranch
	streams   map[string]*memStream
	ops       []Operation
	snapshots map[int64]map[string]memBranch // opID -> branch name -> copy
	states    map[string]map[string]string   // commit -> files
	parents   map[string]string              // commit -> parent commit
	tags      map[string]string
	staged    map[string]map[string]string // streamID -> pending file edits
	worktrees map[string]bool              // streamID+"/"+agentID
}

type memBranch struct {
	head  string
	files map[string]string
}

type memStream struct {
	id     string
	repoID string
	base   string
	parent string
	// baseSnapshot is the base branch content the stream last rebased onto.
	baseSnapshot map[string]string
	changes      map[string]string
	merged       bool
}

// NewMemory creates an empty in-process provider.
func NewMemory() *Memory {
	return &Memory{
		branches:  make(map[string]*memBranch),
		streams:   make(map[string]*memStream),
		snapshots: make(map[int64]map[string]memBranch),
		states:    make(map[string]map[string]string),
		parents:   make(map[string]string),
		tags:      make(map[string]string),
		staged:    make(map[string]map[string]string),
		worktrees: make(map[string]bool),
	}
}

func (m *Memory) newCommit(parent string, files map[string]string) string {
	m.commitSeq++
	hash := fmt.Sprintf("%040x", m.commitSeq)
	m.parents[hash] = parent
	m.states[hash] = copyFiles(files)
	return hash
}

func (m *Memory) ensureBranch(name string) *memBranch {
	b, ok := m.branches[name]
	if !ok {
		// All branches share one genesis commit so fast-forward ancestry
		// holds across branches, as it would in a real repository.
		if m.genesis == "" {
			m.genesis = m.newCommit("", map[string]string{})
		}
		b = &memBranch{head: m.genesis, files: make(map[string]string)}
		m.branches[name] = b
	}
	return b
}

// EnsureBranch creates an empty branch if missing and returns its head.
func (m *Memory) EnsureBranch(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureBranch(name).head
}

// StageChange queues a file edit for the stream's next commit.
func (m *Memory) StageChange(streamID, file, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staged[streamID] == nil {
		m.staged[streamID] = make(map[string]string)
	}
	m.staged[streamID][file] = content
}

func (m *Memory) CreateStream(ctx context.Context, repoID, base, parent string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ensureBranch(base)
	id := ids.New()
	m.streams[id] = &memStream{
		id:           id,
		repoID:       repoID,
		base:         base,
		parent:       parent,
		baseSnapshot: copyFiles(b.files),
		changes:      make(map[string]string),
	}
	return id, nil
}

func (m *Memory) CreateWorktree(ctx context.Context, streamID, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[streamID]; !ok {
		return "", fmt.Errorf("unknown stream %s", streamID)
	}
	m.worktrees[streamID+"/"+agentID] = true
	return "/worktrees/" + agentID + "/" + streamID, nil
}

func (m *Memory) RemoveWorktree(ctx context.Context, streamID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.worktrees, streamID+"/"+agentID)
	return nil
}

// HasWorktree reports whether the agent still holds a worktree for the
// stream.
func (m *Memory) HasWorktree(streamID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worktrees[streamID+"/"+agentID]
}

func (m *Memory) Commit(ctx context.Context, streamID, worktree, message, agentID string) (*CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	if s.merged {
		return nil, fmt.Errorf("stream %s already merged", streamID)
	}
	for f, v := range m.staged[streamID] {
		s.changes[f] = v
	}
	delete(m.staged, streamID)

	m.commitSeq++
	hash := fmt.Sprintf("%040x", m.commitSeq)
	return &CommitResult{CommitHash: hash, ChangeID: "I" + hash[:16]}, nil
}

// conflictFiles lists the stream's files changed on target since the
// stream's base snapshot with content differing from the stream's edit.
func conflictFiles(s *memStream, target *memBranch) []string {
	var files []string
	for f, want := range s.changes {
		cur, base := target.files[f], s.baseSnapshot[f]
		if cur != base && cur != want {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files
}

func (m *Memory) MergeStream(ctx context.Context, streamID, target string) (*MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	if s.merged {
		return nil, fmt.Errorf("stream %s already merged", streamID)
	}
	tb := m.ensureBranch(target)

	if files := conflictFiles(s, tb); len(files) > 0 {
		return nil, &ConflictError{Files: files, Source: streamID, Target: target}
	}

	if m.opSeq == 0 {
		m.snapshots[0] = m.snapshotBranches()
	}

	for f, v := range s.changes {
		tb.files[f] = v
	}
	tb.head = m.newCommit(tb.head, tb.files)
	s.merged = true

	m.opSeq++
	op := Operation{ID: m.opSeq, StreamID: streamID, Commit: tb.head, Kind: "merge"}
	m.ops = append(m.ops, op)
	m.snapshots[m.opSeq] = m.snapshotBranches()

	return &MergeResult{MergeCommit: tb.head, OperationID: op.ID}, nil
}

func (m *Memory) snapshotBranches() map[string]memBranch {
	snap := make(map[string]memBranch, len(m.branches))
	for name, b := range m.branches {
		snap[name] = memBranch{head: b.head, files: copyFiles(b.files)}
	}
	return snap
}

func (m *Memory) CascadeRebase(ctx context.Context, streamIDs []string) ([]CascadeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]CascadeResult, 0, len(streamIDs))
	for _, id := range streamIDs {
		s, ok := m.streams[id]
		if !ok || s.merged {
			results = append(results, CascadeResult{StreamID: id, Outcome: CascadeSkipped})
			continue
		}
		tb := m.ensureBranch(s.base)
		if files := conflictFiles(s, tb); len(files) > 0 {
			results = append(results, CascadeResult{
				StreamID: id, Outcome: CascadeConflict, Detail: strings.Join(files, ","),
			})
			continue
		}
		s.baseSnapshot = copyFiles(tb.files)
		results = append(results, CascadeResult{StreamID: id, Outcome: CascadeRebased})
	}
	return results, nil
}

func (m *Memory) RollbackToOperation(ctx context.Context, opID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[opID]
	if !ok {
		return "", fmt.Errorf("unknown operation %d", opID)
	}
	var head string
	for name, b := range snap {
		m.branches[name] = &memBranch{head: b.head, files: copyFiles(b.files)}
	}
	// Streams whose merges were reversed become mergeable again, rebased
	// onto the restored branch state.
	for _, op := range m.ops {
		if op.ID <= opID {
			continue
		}
		if s, ok := m.streams[op.StreamID]; ok && s.merged {
			s.merged = false
			if tb, ok := m.branches[s.base]; ok {
				s.baseSnapshot = copyFiles(tb.files)
			}
		}
	}
	// Report the head of the branch the last surviving op touched, or the
	// first branch when rolling back to the initial state.
	if opID > 0 {
		for _, op := range m.ops {
			if op.ID == opID {
				head = op.Commit
			}
		}
	} else {
		for _, b := range snap {
			head = b.head
			break
		}
	}
	return head, nil
}

func (m *Memory) OperationsSince(ctx context.Context, tag string) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	commit, tagged := m.tags[tag]
	var out []Operation
	seen := !tagged // untagged: everything counts
	for _, op := range m.ops {
		if seen {
			out = append(out, op)
		}
		if tagged && op.Commit == commit {
			seen = true
		}
	}
	if tagged && !seen {
		// Tag predates the operation log; everything since is "all ops".
		out = append([]Operation(nil), m.ops...)
	}
	return out, nil
}

func (m *Memory) Diff(ctx context.Context, streamID, against string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return "", fmt.Errorf("unknown stream %s", streamID)
	}
	var b strings.Builder
	files := make([]string, 0, len(s.changes))
	for f := range s.changes {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", f, f)
	}
	return b.String(), nil
}

func (m *Memory) ChangedFiles(ctx context.Context, streamID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("unknown stream %s", streamID)
	}
	files := make([]string, 0, len(s.changes))
	for f := range s.changes {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func (m *Memory) BranchHead(ctx context.Context, branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[branch]
	if !ok {
		return "", fmt.Errorf("unknown branch %s", branch)
	}
	return b.head, nil
}

func (m *Memory) Tag(ctx context.Context, name, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[commit]; !ok {
		return fmt.Errorf("unknown commit %s", commit)
	}
	m.tags[name] = commit
	return nil
}

func (m *Memory) ResolveTag(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tags[name]
	if !ok {
		return "", fmt.Errorf("unknown tag %s", name)
	}
	return c, nil
}

func (m *Memory) LatestTag(ctx context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.tags {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}

func (m *Memory) FastForward(ctx context.Context, branch, commit string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.ensureBranch(branch)
	if b.head == commit {
		return nil
	}
	if !m.isAncestor(b.head, commit) {
		return errkind.New(errkind.Conflict, "diverged: %s is not an ancestor of %s", b.head, commit)
	}
	state, ok := m.states[commit]
	if !ok {
		return fmt.Errorf("unknown commit %s", commit)
	}
	b.head = commit
	b.files = copyFiles(state)
	return nil
}

func (m *Memory) IsAncestor(ctx context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isAncestor(a, b), nil
}

func (m *Memory) isAncestor(a, b string) bool {
	for c := b; c != ""; c = m.parents[c] {
		if c == a {
			return true
		}
	}
	return false
}

func copyFiles(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
