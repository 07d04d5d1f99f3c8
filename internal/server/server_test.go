package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/mechanics"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/schema"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/internal/types"
)

type fixture struct {
	st      store.Store
	idsvc   *identity.Service
	reposvc *repos.Service
	git     *mechanics.Memory
	base    string
}

func setup(t *testing.T) *fixture {
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

	idsvc := identity.New(st)
	reposvc := repos.New(st)
	cons := consensus.New(st)
	git := mechanics.NewMemory()
	emitter := syncer.New(st, nil)
	streams := stream.NewManager(st, idsvc, reposvc, git, emitter)
	coord := coordinator.New(st, idsvc, reposvc, cons, git, emitter, nil)
	streams.SetMerger(coord)

	srv := httptest.NewServer(New(st, idsvc, reposvc, streams, coord, cons, nil).Handler())
	t.Cleanup(srv.Close)
	return &fixture{st: st, idsvc: idsvc, reposvc: reposvc, git: git, base: srv.URL}
}

// call sends a JSON request and decodes the JSON response into out (when
// out is non-nil), returning the status code.
func (f *fixture) call(t *testing.T, method, path string, body, out interface{}) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.base+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) agent(t *testing.T, name string) string {
	t.Helper()
	a, err := f.idsvc.RegisterAgent(context.Background(), name)
	if err != nil {
		t.Fatalf("register agent %s: %v", name, err)
	}
	return a.ID
}

func (f *fixture) register(t *testing.T, name, agentID string) (status int, id, orgID string) {
	t.Helper()
	var out map[string]string
	status = f.call(t, http.MethodPost, "/repos/register",
		map[string]string{"name": name, "agent_id": agentID}, &out)
	return status, out["id"], out["org_id"]
}

type batchResponse struct {
	Results []syncer.EventResult `json:"results"`
}

func (f *fixture) syncBatch(t *testing.T, repoID string, events []map[string]interface{}) []syncer.EventResult {
	t.Helper()
	var out batchResponse
	status := f.call(t, http.MethodPost, "/sync/batch",
		map[string]interface{}{"repo_id": repoID, "events": events}, &out)
	if status != http.StatusOK {
		t.Fatalf("sync batch status = %d", status)
	}
	if len(out.Results) != len(events) {
		t.Fatalf("got %d results for %d events", len(out.Results), len(events))
	}
	return out.Results
}

func event(seq int64, eventType string, payload map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"seq":        seq,
		"type":       eventType,
		"data":       payload,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
}

func TestRegisterIdempotent(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")

	status, id, orgID := f.register(t, "proj", owner)
	if status != http.StatusCreated || id == "" || orgID == "" {
		t.Fatalf("first register = %d id=%q org=%q, want 201 with ids", status, id, orgID)
	}

	status2, id2, org2 := f.register(t, "proj", owner)
	if status2 != http.StatusOK || id2 != id || org2 != orgID {
		t.Errorf("re-register = %d id=%q org=%q, want 200 with same ids", status2, id2, org2)
	}

	// A different owner registering the same name gets a fresh repo.
	other := f.agent(t, "other")
	status3, id3, _ := f.register(t, "proj", other)
	if status3 != http.StatusCreated || id3 == id {
		t.Errorf("other owner register = %d id=%q, want 201 with new id", status3, id3)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")

	var out map[string]string
	if got := f.call(t, http.MethodPost, "/repos/register",
		map[string]string{"name": "", "agent_id": owner}, &out); got != http.StatusBadRequest {
		t.Errorf("empty name status = %d, want 400", got)
	}
	if got := f.call(t, http.MethodPost, "/repos/register",
		map[string]string{"name": "proj", "agent_id": "nope"}, &out); got != http.StatusBadRequest {
		t.Errorf("malformed agent id status = %d, want 400", got)
	}
}

func TestConsensusEndpoint(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	var res consensus.Result
	status := f.call(t, http.MethodGet,
		"/streams/"+ids.New()+"/consensus?repo_id="+repoID, nil, &res)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if res.Reached || res.Reason != consensus.ReasonNoMaintainerReviews {
		t.Errorf("result = %+v, want unreached no_maintainer_reviews", res)
	}
	if !res.IsServerAuthoritative {
		t.Error("server verdict must be flagged authoritative")
	}
}

func TestConsensusUnknownStream(t *testing.T) {
	f := setup(t)
	// No repo_id hint and no such stream.
	status := f.call(t, http.MethodGet, "/streams/"+ids.New()+"/consensus", nil, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
}

func TestSyncBatchStreamCreated(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	created := event(1, types.EventStreamCreated, map[string]interface{}{
		"stream_id": streamID, "agent_id": owner,
		"branch": "stream/abc12345", "base_branch": "buffer",
	})
	results := f.syncBatch(t, repoID, []map[string]interface{}{created})
	if results[0].Status != syncer.StatusOK {
		t.Fatalf("first apply = %+v, want ok", results[0])
	}

	// Replay of the same event is a duplicate, not an error.
	results = f.syncBatch(t, repoID, []map[string]interface{}{created})
	if results[0].Status != syncer.StatusDuplicate || results[0].ExistingID != streamID {
		t.Errorf("replay = %+v, want duplicate of %s", results[0], streamID)
	}

	// Same branch under a new id collides with the existing stream.
	clash := event(2, types.EventStreamCreated, map[string]interface{}{
		"stream_id": ids.New(), "agent_id": owner,
		"branch": "stream/abc12345", "base_branch": "buffer",
	})
	results = f.syncBatch(t, repoID, []map[string]interface{}{clash})
	if results[0].Status != syncer.StatusDuplicate || results[0].ExistingID != streamID {
		t.Errorf("branch clash = %+v, want duplicate of %s", results[0], streamID)
	}
}

func TestSyncBatchCommitIdempotent(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
	})

	commit := event(2, types.EventCommit, map[string]interface{}{
		"stream_id": streamID, "agent_id": owner,
		"commit_hash": "abc123", "message": "add feature",
	})
	results := f.syncBatch(t, repoID, []map[string]interface{}{commit})
	if results[0].Status != syncer.StatusOK {
		t.Fatalf("commit apply = %+v, want ok", results[0])
	}
	results = f.syncBatch(t, repoID, []map[string]interface{}{commit})
	if results[0].Status != syncer.StatusDuplicate {
		t.Errorf("commit replay = %+v, want duplicate", results[0])
	}
}

func TestSyncBatchTerminalErrorSkipsOnlyOffender(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	results := f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
		// Missing commit_hash is a terminal rejection: no replay can fix it,
		// so the rest of the batch still applies.
		event(2, types.EventCommit, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner, "message": "broken",
		}),
		event(3, types.EventCommit, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner, "commit_hash": "def456",
		}),
	})
	want := []string{syncer.StatusOK, syncer.StatusError, syncer.StatusOK}
	for i, w := range want {
		if results[i].Status != w {
			t.Errorf("event %d status = %q, want %q", i+1, results[i].Status, w)
		}
	}
	if !results[1].Terminal {
		t.Error("validation rejection must be flagged terminal")
	}

	var n int
	if err := f.st.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM stream_commits WHERE stream_id = $1 AND commit_hash = 'def456'
	`, streamID).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("commits past the terminal event = %d, want 1 applied", n)
	}
}

func TestSyncBatchReviewLatestWins(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	reviewer := f.agent(t, "reviewer")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
	})

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	first := event(2, types.EventReview, map[string]interface{}{
		"stream_id": streamID, "reviewer_id": reviewer,
		"verdict": types.VerdictRequestChanges, "reviewed_at": at.Format(time.RFC3339),
	})
	results := f.syncBatch(t, repoID, []map[string]interface{}{first})
	if results[0].Status != syncer.StatusOK {
		t.Fatalf("first review = %+v, want ok", results[0])
	}

	// An older replay is a duplicate carrying the surviving review's id.
	stale := event(3, types.EventReview, map[string]interface{}{
		"stream_id": streamID, "reviewer_id": reviewer,
		"verdict": types.VerdictApprove, "reviewed_at": at.Add(-time.Hour).Format(time.RFC3339),
	})
	results = f.syncBatch(t, repoID, []map[string]interface{}{stale})
	if results[0].Status != syncer.StatusDuplicate || results[0].ExistingID == "" {
		t.Fatalf("stale review = %+v, want duplicate with existing id", results[0])
	}

	// A newer verdict replaces the old one in place.
	newer := event(4, types.EventReview, map[string]interface{}{
		"stream_id": streamID, "reviewer_id": reviewer,
		"verdict": types.VerdictApprove, "reviewed_at": at.Add(time.Hour).Format(time.RFC3339),
	})
	results = f.syncBatch(t, repoID, []map[string]interface{}{newer})
	if results[0].Status != syncer.StatusOK {
		t.Fatalf("newer review = %+v, want ok", results[0])
	}

	var verdict string
	var count int
	ctx := context.Background()
	if err := f.st.QueryRow(ctx, `
		SELECT verdict FROM stream_reviews WHERE stream_id = $1 AND reviewer_id = $2
	`, streamID, reviewer).Scan(&verdict); err != nil {
		t.Fatal(err)
	}
	if err := f.st.QueryRow(ctx, `
		SELECT COUNT(*) FROM stream_reviews WHERE stream_id = $1
	`, streamID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if verdict != types.VerdictApprove || count != 1 {
		t.Errorf("reviews = %d rows, verdict %q; want 1 row approved", count, verdict)
	}
}

func TestSyncBatchMergeCompleted(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	merged := event(2, types.EventMergeCompleted, map[string]interface{}{
		"stream_id": streamID, "merge_commit": "m1", "operation_id": 1, "target": "buffer",
	})
	results := f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
		merged,
	})
	if results[1].Status != syncer.StatusOK {
		t.Fatalf("merge apply = %+v, want ok", results[1])
	}

	var status string
	if err := f.st.QueryRow(context.Background(),
		`SELECT status FROM streams WHERE id = $1`, streamID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != types.StreamMerged {
		t.Errorf("stream status = %q, want merged", status)
	}

	results = f.syncBatch(t, repoID, []map[string]interface{}{merged})
	if results[0].Status != syncer.StatusDuplicate {
		t.Errorf("merge replay = %+v, want duplicate", results[0])
	}
}

func TestSyncBatchMergeRequestedEvaluated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	// The stream must exist in the mechanics provider for the merge to land.
	streamID, err := f.git.CreateStream(ctx, repoID, "buffer", "")
	if err != nil {
		t.Fatal(err)
	}
	f.git.StageChange(streamID, "a.go", "a")
	if _, err := f.git.Commit(ctx, streamID, "", "edit a", owner); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC()
	queued := event(3, types.EventMergeRequested, map[string]interface{}{
		"stream_id": streamID, "requested_by": owner,
	})
	results := f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
		event(2, types.EventReview, map[string]interface{}{
			"stream_id": streamID, "reviewer_id": owner,
			"verdict": types.VerdictApprove, "reviewed_at": at.Format(time.RFC3339),
		}),
		queued,
	})
	for i, res := range results {
		if res.Status != syncer.StatusOK {
			t.Fatalf("event %d = %+v, want ok", i+1, res)
		}
	}

	// The drained request went through the full merge path.
	var status string
	if err := f.st.QueryRow(ctx, `SELECT status FROM streams WHERE id = $1`, streamID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != types.StreamMerged {
		t.Errorf("stream status = %q, want merged", status)
	}
	var merges int
	if err := f.st.QueryRow(ctx, `SELECT COUNT(*) FROM merges WHERE stream_id = $1`, streamID).Scan(&merges); err != nil {
		t.Fatal(err)
	}
	if merges != 1 {
		t.Errorf("merges rows = %d, want 1", merges)
	}

	// The outcome reaches pollers as a merge_completed event.
	var out struct {
		Events []types.SyncEvent `json:"events"`
	}
	if got := f.call(t, http.MethodGet, "/updates?repo_id="+repoID, nil, &out); got != http.StatusOK {
		t.Fatalf("updates status = %d", got)
	}
	found := false
	for _, ev := range out.Events {
		if ev.Type == types.EventMergeCompleted {
			found = true
		}
	}
	if !found {
		t.Errorf("updates = %+v, want a merge_completed event", out.Events)
	}

	// Replaying the request against the merged stream is a duplicate.
	results = f.syncBatch(t, repoID, []map[string]interface{}{queued})
	if results[0].Status != syncer.StatusDuplicate {
		t.Errorf("replay = %+v, want duplicate", results[0])
	}
}

func TestGetConfig(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	var cfg map[string]interface{}
	status := f.call(t, http.MethodGet, "/repos/"+repoID+"/config", nil, &cfg)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if cfg["agent_access"] != "public" || cfg["stage"] != "seed" {
		t.Errorf("config = %+v, want public/seed defaults", cfg)
	}
	if cfg["has_config_file"] != false {
		t.Errorf("has_config_file = %v, want false", cfg["has_config_file"])
	}

	if got := f.call(t, http.MethodGet, "/repos/nope/config", nil, nil); got != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", got)
	}
	if got := f.call(t, http.MethodGet, "/repos/"+ids.New()+"/config", nil, nil); got != http.StatusNotFound {
		t.Errorf("missing repo status = %d, want 404", got)
	}
}

func TestPatchConfigServerOwned(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	var cfg map[string]interface{}
	status := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config", map[string]interface{}{
		"agent_access": "karma_threshold",
		"min_karma":    25,
		"is_private":   true,
	}, &cfg)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if cfg["agent_access"] != "karma_threshold" || cfg["min_karma"] != float64(25) || cfg["is_private"] != true {
		t.Errorf("config after patch = %+v", cfg)
	}

	if got := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config",
		map[string]interface{}{"agent_access": "everyone"}, nil); got != http.StatusBadRequest {
		t.Errorf("bad enum status = %d, want 400", got)
	}
	if got := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config",
		map[string]interface{}{"favorite_color": "green"}, nil); got != http.StatusBadRequest {
		t.Errorf("unknown key status = %d, want 400", got)
	}
}

func TestPatchConfigStage(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	var cfg map[string]interface{}
	status := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config",
		map[string]interface{}{"stage": "growth"}, &cfg)
	if status != http.StatusOK || cfg["stage"] != "growth" {
		t.Fatalf("stage patch = %d %v, want 200 growth", status, cfg["stage"])
	}

	// Stages only move forward.
	if got := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config",
		map[string]interface{}{"stage": "seed"}, nil); got != http.StatusBadRequest {
		t.Errorf("stage regression status = %d, want 400", got)
	}
}

func TestPatchConfigRepoOwnedConflict(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	// A committed config file makes repo-owned keys authoritative from git.
	err := f.reposvc.ApplyRepoOwned(context.Background(), repoID, repos.RepoOwnedUpdate{
		MergeMode: types.MergeModeReview, OwnershipModel: types.OwnershipGuild,
		ConsensusThreshold: 0.66, MinReviews: 1, HumanReviewWeight: 1.5,
		BufferBranch: "buffer", PromoteTarget: "main",
		AutoRevertOnRed: true, StabilizeTimeoutSeconds: 1800,
	})
	if err != nil {
		t.Fatal(err)
	}

	var out struct {
		Error  string   `json:"error"`
		Fields []string `json:"fields"`
	}
	status := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config", map[string]interface{}{
		"min_reviews": 3,
		"merge_mode":  "swarm",
	}, &out)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if out.Error != "repo_owned_fields" {
		t.Errorf("error = %q, want repo_owned_fields", out.Error)
	}
	if len(out.Fields) != 2 || out.Fields[0] != "merge_mode" || out.Fields[1] != "min_reviews" {
		t.Errorf("fields = %v, want sorted [merge_mode min_reviews]", out.Fields)
	}
}

func TestPatchConfigRepoOwnedWithoutConfigFile(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	// Without a config file the key is still repo-owned; it just cannot be
	// claimed by the server either.
	status := f.call(t, http.MethodPatch, "/repos/"+repoID+"/config",
		map[string]interface{}{"merge_mode": "swarm"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestSubmitReviewEndpoint(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	reviewer := f.agent(t, "reviewer")
	_, repoID, _ := f.register(t, "proj", owner)
	streamID := ids.New()

	f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventStreamCreated, map[string]interface{}{
			"stream_id": streamID, "agent_id": owner,
			"branch": "stream/feat", "base_branch": "buffer",
		}),
		event(2, types.EventStreamInReview, map[string]interface{}{"stream_id": streamID}),
	})

	var saved types.Review
	status := f.call(t, http.MethodPost, "/streams/"+streamID+"/reviews", map[string]interface{}{
		"reviewer_id": reviewer, "verdict": types.VerdictApprove, "is_human": true,
	}, &saved)
	if status != http.StatusCreated {
		t.Fatalf("status = %d, want 201", status)
	}
	if saved.Verdict != types.VerdictApprove || !saved.IsHuman {
		t.Errorf("saved review = %+v", saved)
	}
}

func TestUpdatesFeed(t *testing.T) {
	f := setup(t)
	owner := f.agent(t, "owner")
	_, repoID, _ := f.register(t, "proj", owner)

	// Informational events land in the server's poll log.
	f.syncBatch(t, repoID, []map[string]interface{}{
		event(1, types.EventConsensusReached, map[string]interface{}{"stream_id": ids.New()}),
	})

	var out struct {
		Events []types.SyncEvent `json:"events"`
		Cursor string            `json:"cursor"`
	}
	status := f.call(t, http.MethodGet, "/updates?repo_id="+repoID, nil, &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if len(out.Events) != 1 || out.Events[0].Type != types.EventConsensusReached {
		t.Fatalf("events = %+v, want the recorded consensus event", out.Events)
	}
	if out.Cursor == "" {
		t.Error("cursor should advance past the returned events")
	}

	// Polling from the returned cursor yields nothing new.
	status = f.call(t, http.MethodGet, "/updates?repo_id="+repoID+"&since="+out.Cursor, nil, &out)
	if status != http.StatusOK || len(out.Events) != 0 {
		t.Errorf("follow-up poll = %d with %d events, want 200 empty", status, len(out.Events))
	}

	if got := f.call(t, http.MethodGet, "/updates?repo_id="+repoID+"&since=yesterday", nil, nil); got != http.StatusBadRequest {
		t.Errorf("bad cursor status = %d, want 400", got)
	}
}
