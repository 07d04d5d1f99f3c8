package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/schema"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

func setup(t *testing.T) (*Service, *repos.Service, store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := schema.Apply(ctx, st); err != nil {
		t.Fatalf("schema.Apply: %v", err)
	}
	return New(st), repos.New(st), st
}

func TestRegisterAgent(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if agent.Status != types.AgentActive || agent.Karma != 0 {
		t.Errorf("new agent = %+v, want active with zero karma", agent)
	}

	got, err := svc.GetAgentByName(ctx, "worker-1")
	if err != nil {
		t.Fatalf("GetAgentByName: %v", err)
	}
	if got.ID != agent.ID {
		t.Errorf("lookup id = %s, want %s", got.ID, agent.ID)
	}
}

func TestRegisterAgentDuplicateName(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	if _, err := svc.RegisterAgent(ctx, "worker-1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := svc.RegisterAgent(ctx, "worker-1")
	if !errkind.Is(err, errkind.Duplicate) {
		t.Errorf("duplicate name kind = %v, want duplicate", errkind.KindOf(err))
	}
}

func TestRegisterAgentEmptyName(t *testing.T) {
	svc, _, _ := setup(t)
	if _, err := svc.RegisterAgent(context.Background(), ""); !errkind.Is(err, errkind.InvalidInput) {
		t.Errorf("empty name kind = %v, want invalid_input", errkind.KindOf(err))
	}
}

func TestSuspendAgent(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SuspendAgent(ctx, agent.ID); err != nil {
		t.Fatalf("SuspendAgent: %v", err)
	}
	got, err := svc.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.AgentSuspended {
		t.Errorf("status = %q, want suspended", got.Status)
	}

	if err := svc.SuspendAgent(ctx, "00000000-0000-0000-0000-000000000000"); !errkind.Is(err, errkind.NotFound) {
		t.Errorf("suspend missing agent kind = %v, want not_found", errkind.KindOf(err))
	}
}

func TestApplyKarma(t *testing.T) {
	svc, _, st := setup(t)
	ctx := context.Background()

	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ApplyKarma(ctx, agent.ID, 5, "stream_merged", ""); err != nil {
		t.Fatalf("ApplyKarma(+5): %v", err)
	}
	if err := svc.ApplyKarma(ctx, agent.ID, -3, "broke_buffer", ""); err != nil {
		t.Fatalf("ApplyKarma(-3): %v", err)
	}

	got, err := svc.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Karma != 2 {
		t.Errorf("karma = %d, want 2", got.Karma)
	}

	var entries int
	if err := st.QueryRow(ctx,
		`SELECT COUNT(*) FROM karma_ledger WHERE agent_id = $1`, agent.ID).Scan(&entries); err != nil {
		t.Fatal(err)
	}
	if entries != 2 {
		t.Errorf("ledger entries = %d, want 2", entries)
	}
}

func TestResolvePermissionsOrder(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	// Public repo, no grant, no role: write via access mode.
	res, err := svc.ResolvePermissions(ctx, agent, repo)
	if err != nil {
		t.Fatalf("ResolvePermissions: %v", err)
	}
	if res.Level != types.LevelWrite || res.Source != SourceAccessMode {
		t.Errorf("public repo resolution = %+v, want write via access mode", res)
	}

	// Maintainer role outranks access mode.
	if err := svc.AddMaintainer(ctx, repo.ID, agent.ID, types.RoleMaintainer); err != nil {
		t.Fatal(err)
	}
	res, _ = svc.ResolvePermissions(ctx, agent, repo)
	if res.Level != types.LevelMaintain || res.Source != SourceMaintainer {
		t.Errorf("maintainer resolution = %+v, want maintain via role", res)
	}

	// Owner role maps to admin.
	if err := svc.AddMaintainer(ctx, repo.ID, agent.ID, types.RoleOwner); err != nil {
		t.Fatal(err)
	}
	res, _ = svc.ResolvePermissions(ctx, agent, repo)
	if res.Level != types.LevelAdmin {
		t.Errorf("owner level = %q, want admin", res.Level)
	}

	// Explicit grant outranks everything.
	if err := svc.Grant(ctx, repo.ID, agent.ID, types.LevelRead, "", nil); err != nil {
		t.Fatal(err)
	}
	res, _ = svc.ResolvePermissions(ctx, agent, repo)
	if res.Level != types.LevelRead || res.Source != SourceGrant {
		t.Errorf("grant resolution = %+v, want read via explicit grant", res)
	}

	// An expired grant falls through to the maintainer role.
	past := time.Now().Add(-time.Hour)
	if err := svc.Grant(ctx, repo.ID, agent.ID, types.LevelRead, "", &past); err != nil {
		t.Fatal(err)
	}
	res, _ = svc.ResolvePermissions(ctx, agent, repo)
	if res.Source != SourceMaintainer {
		t.Errorf("expired grant source = %q, want maintainer role", res.Source)
	}
}

func TestResolvePermissionsAccessModes(t *testing.T) {
	tests := []struct {
		name      string
		access    string
		minKarma  int64
		karma     int64
		isPrivate bool
		want      string
	}{
		{"public", types.AccessPublic, 0, 0, false, types.LevelWrite},
		{"karma met", types.AccessKarmaThreshold, 10, 15, false, types.LevelWrite},
		{"karma short public repo", types.AccessKarmaThreshold, 10, 5, false, types.LevelRead},
		{"karma short private repo", types.AccessKarmaThreshold, 10, 5, true, types.LevelNone},
		{"allowlist", types.AccessAllowlist, 0, 100, false, types.LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, reposvc, st := setup(t)
			ctx := context.Background()

			repo, err := reposvc.Create(ctx, "proj")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := st.Exec(ctx, `
				UPDATE repos SET agent_access = $1, min_karma = $2, is_private = $3 WHERE id = $4
			`, tt.access, tt.minKarma, boolInt(tt.isPrivate), repo.ID); err != nil {
				t.Fatal(err)
			}
			repo.AgentAccess = tt.access
			repo.MinKarma = tt.minKarma
			repo.IsPrivate = tt.isPrivate

			agent, err := svc.RegisterAgent(ctx, "worker-1")
			if err != nil {
				t.Fatal(err)
			}
			agent.Karma = tt.karma

			res, err := svc.ResolvePermissions(ctx, agent, repo)
			if err != nil {
				t.Fatalf("ResolvePermissions: %v", err)
			}
			if res.Level != tt.want {
				t.Errorf("level = %q, want %q", res.Level, tt.want)
			}
		})
	}
}

func TestCanPerform(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	// Public repo gives write, so merge is allowed and settings is not.
	if _, err := svc.CanPerform(ctx, agent, repo, types.ActionMerge); err != nil {
		t.Errorf("merge with write level: %v", err)
	}
	_, err = svc.CanPerform(ctx, agent, repo, types.ActionSettings)
	if !errkind.Is(err, errkind.Forbidden) {
		t.Errorf("settings with write level kind = %v, want forbidden", errkind.KindOf(err))
	}

	if _, err := svc.CanPerform(ctx, agent, repo, "dance"); !errkind.Is(err, errkind.InvalidInput) {
		t.Errorf("unknown action kind = %v, want invalid_input", errkind.KindOf(err))
	}
}

func TestCanPerformSuspended(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := svc.RegisterAgent(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.AddMaintainer(ctx, repo.ID, agent.ID, types.RoleOwner); err != nil {
		t.Fatal(err)
	}
	agent.Status = types.AgentSuspended

	// Suspension blocks even a read, regardless of level.
	_, err = svc.CanPerform(ctx, agent, repo, types.ActionRead)
	if !errkind.Is(err, errkind.Forbidden) {
		t.Errorf("suspended agent kind = %v, want forbidden", errkind.KindOf(err))
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"main", "main", true},
		{"main", "main2", false},
		{"release/*", "release/v1", true},
		{"release/*", "release/", true},
		{"release/*", "release/v1/hotfix", true},
		{"*", "anything/at/all", true},
		{"*-wip", "feature-wip", true},
		{"*-wip", "feature-done", false},
		{"a*c", "abc", true},
		{"a*c", "ac", true},
		{"a*c", "abd", false},
	}
	for _, tt := range tests {
		if got := globMatch(tt.pattern, tt.name); got != tt.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestMatchBranchRule(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []*types.BranchRule{
		{RepoID: repo.ID, BranchPattern: "*", DirectPush: "all", Priority: 0},
		{RepoID: repo.ID, BranchPattern: "release/*", DirectPush: "maintainers", Priority: 0},
		{RepoID: repo.ID, BranchPattern: "release/hotfix-*", DirectPush: "none", Priority: 0},
	} {
		if err := svc.SetBranchRule(ctx, r); err != nil {
			t.Fatalf("SetBranchRule(%s): %v", r.BranchPattern, err)
		}
	}

	tests := []struct {
		branch string
		want   string // matching pattern
	}{
		{"feature/x", "*"},
		{"release/v2", "release/*"},
		{"release/hotfix-urgent", "release/hotfix-*"},
	}
	for _, tt := range tests {
		rule, err := svc.MatchBranchRule(ctx, repo.ID, tt.branch)
		if err != nil {
			t.Fatalf("MatchBranchRule(%s): %v", tt.branch, err)
		}
		if rule == nil || rule.BranchPattern != tt.want {
			t.Errorf("MatchBranchRule(%s) matched %v, want pattern %q", tt.branch, rule, tt.want)
		}
	}
}

func TestMatchBranchRulePriorityTiebreak(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	// Same literal length, different priority.
	low := &types.BranchRule{RepoID: repo.ID, BranchPattern: "dev/*", DirectPush: "all", Priority: 1}
	high := &types.BranchRule{RepoID: repo.ID, BranchPattern: "*/dev", DirectPush: "none", Priority: 5}
	for _, r := range []*types.BranchRule{low, high} {
		if err := svc.SetBranchRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	rule, err := svc.MatchBranchRule(ctx, repo.ID, "dev/dev")
	if err != nil {
		t.Fatal(err)
	}
	if rule == nil || rule.BranchPattern != "*/dev" {
		t.Errorf("tiebreak picked %v, want the higher-priority rule", rule)
	}
}

func TestCanPushToBranch(t *testing.T) {
	svc, reposvc, _ := setup(t)
	ctx := context.Background()

	repo, err := reposvc.Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	writer, err := svc.RegisterAgent(ctx, "writer")
	if err != nil {
		t.Fatal(err)
	}
	maintainer, err := svc.RegisterAgent(ctx, "keeper")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.AddMaintainer(ctx, repo.ID, maintainer.ID, types.RoleMaintainer); err != nil {
		t.Fatal(err)
	}
	for _, r := range []*types.BranchRule{
		{RepoID: repo.ID, BranchPattern: "main", DirectPush: "none"},
		{RepoID: repo.ID, BranchPattern: "release/*", DirectPush: "maintainers"},
	} {
		if err := svc.SetBranchRule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		agent  *types.Agent
		branch string
		want   bool
	}{
		{"no rule defaults to write level", writer, "feature/x", true},
		{"direct_push none blocks maintainer too", maintainer, "main", false},
		{"maintainers-only blocks writer", writer, "release/v1", false},
		{"maintainers-only allows maintainer", maintainer, "release/v1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := svc.CanPushToBranch(ctx, tt.agent, repo, tt.branch)
			if err != nil {
				t.Fatalf("CanPushToBranch: %v", err)
			}
			if ok != tt.want {
				t.Errorf("CanPushToBranch(%s, %s) = %v, want %v", tt.agent.Name, tt.branch, ok, tt.want)
			}
		})
	}
}
