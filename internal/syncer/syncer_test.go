package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/schema"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

func openStore(t *testing.T) store.Store {
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
	return st
}

// emit queues n events for repoID the way services do: inside a transaction.
func emit(t *testing.T, e *Engine, repoID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := e.st.InTx(ctx, func(q store.Querier) error {
			return e.Emit(ctx, q, repoID, "commit", map[string]int{"n": i})
		})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
}

// batchHandler serves /sync/batch with per-event results computed by fn.
func batchHandler(t *testing.T, fn func(ev EventEnvelope) EventResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var req struct {
			Events []EventEnvelope `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode batch: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var results []EventResult
		stopped := false
		for _, ev := range req.Events {
			if stopped {
				results = append(results, EventResult{Seq: ev.Seq, Status: StatusPending})
				continue
			}
			res := fn(ev)
			if res.Status == StatusError && !res.Terminal {
				stopped = true
			}
			results = append(results, res)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	}
}

func newEngineWith(t *testing.T, st store.Store, handler http.Handler) *Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(st, NewClient(srv.URL, "token"))
}

func TestEmitQueuesEvent(t *testing.T) {
	st := openStore(t)
	e := New(st, nil)
	repoID := ids.New()
	emit(t, e, repoID, 1)

	n, err := e.Pending(context.Background(), repoID)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestFlushWithoutClient(t *testing.T) {
	st := openStore(t)
	e := New(st, nil)
	_, err := e.Flush(context.Background(), ids.New())
	if !errkind.Is(err, errkind.ServerUnavailable) {
		t.Errorf("kind = %v, want server_unavailable", errkind.KindOf(err))
	}
}

func TestFlushUnreachableServer(t *testing.T) {
	st := openStore(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	e := New(st, NewClient(srv.URL, ""))
	repoID := ids.New()
	emit(t, e, repoID, 1)

	_, err := e.Flush(context.Background(), repoID)
	if !errkind.Is(err, errkind.ServerUnavailable) {
		t.Errorf("kind = %v, want server_unavailable", errkind.KindOf(err))
	}
	// The event survives for the next attempt.
	if n, _ := e.Pending(context.Background(), repoID); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestFlushAppliesInOrder(t *testing.T) {
	st := openStore(t)
	var applied []int64
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		applied = append(applied, ev.Seq)
		return EventResult{Seq: ev.Seq, Status: StatusOK}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 3)

	report, err := e.Flush(context.Background(), repoID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Sent != 3 || report.Applied != 3 || report.Remaining != 0 {
		t.Errorf("report = %+v, want 3 sent, 3 applied, 0 remaining", report)
	}
	for i := 1; i < len(applied); i++ {
		if applied[i] <= applied[i-1] {
			t.Errorf("events sent out of order: %v", applied)
		}
	}
}

func TestFlushDuplicateIsRemoved(t *testing.T) {
	st := openStore(t)
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		return EventResult{Seq: ev.Seq, Status: StatusDuplicate, ExistingID: ids.New()}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 2)

	report, err := e.Flush(context.Background(), repoID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Duplicates != 2 || report.Remaining != 0 {
		t.Errorf("report = %+v, want 2 duplicates removed", report)
	}
}

func TestFlushErrorStopsBatch(t *testing.T) {
	st := openStore(t)
	call := 0
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		call++
		if call == 2 {
			return EventResult{Seq: ev.Seq, Status: StatusError, Message: "bad payload"}
		}
		return EventResult{Seq: ev.Seq, Status: StatusOK}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 3)

	report, err := e.Flush(context.Background(), repoID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("applied = %d, want 1 (first event only)", report.Applied)
	}
	if report.Remaining != 2 {
		t.Errorf("remaining = %d, want 2 (failed + pending)", report.Remaining)
	}

	var attempts int
	var lastError string
	if err := st.QueryRow(context.Background(), `
		SELECT attempts, last_error FROM sync_events WHERE repo_id = $1 ORDER BY seq ASC LIMIT 1
	`, repoID).Scan(&attempts, &lastError); err != nil {
		t.Fatal(err)
	}
	if attempts != 1 || lastError != "bad payload" {
		t.Errorf("failed event = %d attempts, %q; want 1, bad payload", attempts, lastError)
	}
}

func TestFlushTerminalErrorContinues(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	call := 0
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		call++
		if call == 2 {
			return EventResult{Seq: ev.Seq, Status: StatusError, Message: "malformed payload", Terminal: true}
		}
		return EventResult{Seq: ev.Seq, Status: StatusOK}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 3)

	report, err := e.Flush(ctx, repoID)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("applied = %d, want 2 (batch continues past the dead event)", report.Applied)
	}
	if report.Dead != 1 {
		t.Errorf("dead = %d, want 1", report.Dead)
	}
	if report.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", report.Remaining)
	}

	dead, err := e.DeadEvents(ctx, repoID)
	if err != nil {
		t.Fatalf("DeadEvents: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "malformed payload" {
		t.Fatalf("dead events = %+v, want the rejected event parked", dead)
	}
}

func TestFailingEventParksDeadAndRevives(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		return EventResult{Seq: ev.Seq, Status: StatusError, Message: "rejected"}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 1)

	var last *FlushReport
	for i := 0; i < maxAttempts; i++ {
		r, err := e.Flush(ctx, repoID)
		if err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
		last = r
	}
	if last.Dead != 1 {
		t.Errorf("final round dead = %d, want 1 when the event parks", last.Dead)
	}

	if n, _ := e.Pending(ctx, repoID); n != 0 {
		t.Errorf("pending = %d, want 0 once dead", n)
	}
	dead, err := e.DeadEvents(ctx, repoID)
	if err != nil {
		t.Fatalf("DeadEvents: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != maxAttempts || dead[0].LastError != "rejected" {
		t.Fatalf("dead = %+v, want one event with %d attempts", dead, maxAttempts)
	}

	if err := e.ReviveDead(ctx, dead[0].Seq); err != nil {
		t.Fatalf("ReviveDead: %v", err)
	}
	if n, _ := e.Pending(ctx, repoID); n != 1 {
		t.Errorf("pending after revive = %d, want 1", n)
	}
	if err := e.ReviveDead(ctx, dead[0].Seq); !errkind.Is(err, errkind.NotFound) {
		t.Errorf("revive live event kind = %v, want not_found", errkind.KindOf(err))
	}
}

func TestFlushAllStopsWhenStalled(t *testing.T) {
	st := openStore(t)
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		return EventResult{Seq: ev.Seq, Status: StatusError, Message: "nope"}
	}))
	repoID := ids.New()
	emit(t, e, repoID, 2)

	report, err := e.FlushAll(context.Background(), repoID)
	if err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if report.Applied != 0 || report.Remaining != 2 {
		t.Errorf("report = %+v, want stalled with 2 remaining", report)
	}
}

func TestFlushAllDrainsMultipleBatches(t *testing.T) {
	st := openStore(t)
	e := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		return EventResult{Seq: ev.Seq, Status: StatusOK}
	}))
	e.batchSize = 2
	repoID := ids.New()
	emit(t, e, repoID, 5)

	report, err := e.FlushAll(context.Background(), repoID)
	if err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	if report.Applied != 5 || report.Remaining != 0 {
		t.Errorf("report = %+v, want 5 applied over multiple batches", report)
	}
}

func TestPollAdvancesCursor(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	var lastSince string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/updates" {
			http.NotFound(w, r)
			return
		}
		lastSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode(PollResponse{
			Events: []types.SyncEvent{{Seq: 1, Type: "config_changed"}},
			Cursor: "2026-08-24T00:00:00Z",
		})
	})
	e := newEngineWith(t, st, handler)
	repoID := ids.New()

	events, err := e.Poll(ctx, repoID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(events) != 1 || lastSince != "" {
		t.Errorf("first poll: %d events, since=%q", len(events), lastSince)
	}

	var cursor string
	if err := st.QueryRow(ctx, `SELECT cursor FROM sync_state WHERE repo_id = $1`, repoID).Scan(&cursor); err != nil {
		t.Fatalf("cursor not stored: %v", err)
	}
	if cursor != "2026-08-24T00:00:00Z" {
		t.Errorf("cursor = %q", cursor)
	}

	if _, err := e.Poll(ctx, repoID); err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if lastSince != "2026-08-24T00:00:00Z" {
		t.Errorf("second poll since = %q, want stored cursor", lastSince)
	}
}

func newCheckerFixture(t *testing.T, st store.Store, authority string) (string, string) {
	t.Helper()
	ctx := context.Background()
	repo, err := repos.New(st).Create(ctx, "proj")
	if err != nil {
		t.Fatal(err)
	}
	if authority == types.AuthorityServer {
		if err := repos.New(st).BindServerAuthority(ctx, repo.ID); err != nil {
			t.Fatal(err)
		}
	}
	return repo.ID, ids.New()
}

func TestCheckerLocalAuthority(t *testing.T) {
	st := openStore(t)
	repoID, streamID := newCheckerFixture(t, st, types.AuthorityLocal)
	c := NewChecker(st, consensus.New(st), New(st, nil))

	res, err := c.Check(context.Background(), streamID, repoID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.IsServerAuthoritative {
		t.Error("local verdict flagged as server-authoritative")
	}
	if res.Reason != consensus.ReasonNoMaintainerReviews {
		t.Errorf("reason = %q, want local evaluation", res.Reason)
	}
}

func TestCheckerServerUnreachable(t *testing.T) {
	st := openStore(t)
	repoID, streamID := newCheckerFixture(t, st, types.AuthorityServer)
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	engine := New(st, NewClient(srv.URL, ""))
	emit(t, engine, repoID, 1)
	c := NewChecker(st, consensus.New(st), engine)

	res, err := c.Check(context.Background(), streamID, repoID)
	if err != nil {
		t.Fatalf("unreachable server should not be an error: %v", err)
	}
	if res.Reason != consensus.ReasonServerUnavailable || !res.IsServerAuthoritative {
		t.Errorf("result = %+v, want server_unavailable", res)
	}
}

func TestCheckerStaleReviews(t *testing.T) {
	st := openStore(t)
	repoID, streamID := newCheckerFixture(t, st, types.AuthorityServer)
	engine := newEngineWith(t, st, batchHandler(t, func(ev EventEnvelope) EventResult {
		return EventResult{Seq: ev.Seq, Status: StatusError, Message: "rejected"}
	}))
	emit(t, engine, repoID, 1)
	c := NewChecker(st, consensus.New(st), engine)

	res, err := c.Check(context.Background(), streamID, repoID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Reason != consensus.ReasonStaleReviews {
		t.Errorf("reason = %q, want stale_reviews while the queue cannot drain", res.Reason)
	}
}

func TestCheckerServerVerdict(t *testing.T) {
	st := openStore(t)
	repoID, streamID := newCheckerFixture(t, st, types.AuthorityServer)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams/"+streamID+"/consensus" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("repo_id"); got != repoID {
			t.Errorf("repo_id = %q, want %q", got, repoID)
		}
		_ = json.NewEncoder(w).Encode(consensus.Result{
			Reached: true, Reason: consensus.ReasonReached, Ratio: 1.0, Approvals: 2,
		})
	})
	engine := newEngineWith(t, st, handler)
	c := NewChecker(st, consensus.New(st), engine)

	res, err := c.Check(context.Background(), streamID, repoID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Reached || !res.IsServerAuthoritative {
		t.Errorf("result = %+v, want server-authoritative reached verdict", res)
	}
}
