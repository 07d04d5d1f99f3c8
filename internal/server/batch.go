package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/internal/types"
)

// handleSyncBatch applies a replayed event batch in one transaction.
// Idempotency keys make replays safe: an event whose effect already exists
// reports duplicate. A retryable failure stops processing and later events
// come back pending so the client preserves seq order; a terminal rejection
// only skips its own event. Queued merge requests are evaluated once the
// batch has committed.
func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoID string                 `json:"repo_id"`
		Events []syncer.EventEnvelope `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "decode batch"))
		return
	}
	sort.Slice(req.Events, func(i, j int) bool { return req.Events[i].Seq < req.Events[j].Seq })

	results := make([]syncer.EventResult, 0, len(req.Events))
	err := s.st.InTx(r.Context(), func(q store.Querier) error {
		stopped := false
		for _, ev := range req.Events {
			if stopped {
				results = append(results, syncer.EventResult{Seq: ev.Seq, Status: syncer.StatusPending})
				continue
			}
			res := s.applyEvent(r.Context(), q, req.RepoID, ev)
			res.Seq = ev.Seq
			results = append(results, res)
			if res.Status == syncer.StatusError && !res.Terminal {
				stopped = true
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.evaluateMergeRequests(r.Context(), req.Events, results)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// evaluateMergeRequests runs the coordinator over merge_requested events
// that just landed. This happens outside the batch transaction: the merge
// path takes its own locks and transactions, and its outcome reaches the
// client as a merge_completed event via /updates rather than through the
// batch results.
func (s *Server) evaluateMergeRequests(ctx context.Context, events []syncer.EventEnvelope, results []syncer.EventResult) {
	bySeq := make(map[int64]syncer.EventResult, len(results))
	for _, res := range results {
		bySeq[res.Seq] = res
	}
	for _, ev := range events {
		if ev.Type != types.EventMergeRequested || bySeq[ev.Seq].Status != syncer.StatusOK {
			continue
		}
		var p struct {
			StreamID    string `json:"stream_id"`
			RequestedBy string `json:"requested_by"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if _, err := s.coord.RequestMerge(ctx, p.RequestedBy, p.StreamID); err != nil && s.logger != nil {
			s.logger.Printf("queued merge for stream %s: %v", p.StreamID, err)
		}
	}
}

// applyEvent applies one event. Existence is checked before every insert so
// a replay never trips a constraint inside the shared transaction.
func (s *Server) applyEvent(ctx context.Context, q store.Querier, repoID string, ev syncer.EventEnvelope) syncer.EventResult {
	ok := syncer.EventResult{Status: syncer.StatusOK}
	fail := func(err error) syncer.EventResult {
		res := syncer.EventResult{Status: syncer.StatusError, Message: err.Error()}
		switch errkind.KindOf(err) {
		case errkind.InvalidInput, errkind.InvalidID, errkind.NotFound:
			// Replaying a malformed or unresolvable event cannot succeed.
			res.Terminal = true
		}
		return res
	}
	dup := func(existing string) syncer.EventResult {
		return syncer.EventResult{Status: syncer.StatusDuplicate, ExistingID: existing}
	}

	switch ev.Type {
	case types.EventStreamCreated:
		var p struct {
			StreamID   string `json:"stream_id"`
			AgentID    string `json:"agent_id"`
			Branch     string `json:"branch"`
			BaseBranch string `json:"base_branch"`
			TaskID     string `json:"task_id"`
			Source     string `json:"source"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		if err := ids.ValidateAll(p.StreamID, p.AgentID); err != nil {
			return fail(err)
		}
		var existing string
		err := q.QueryRow(ctx, `
			SELECT id FROM streams WHERE id = $1 OR (repo_id = $2 AND branch = $3)
		`, p.StreamID, repoID, p.Branch).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		var taskID interface{}
		if p.TaskID != "" {
			taskID = p.TaskID
		}
		if p.Source == "" {
			p.Source = types.SourceAPI
		}
		now := time.Now().UTC()
		if _, err := q.Exec(ctx, `
			INSERT INTO streams
				(id, repo_id, agent_id, branch, base_branch, task_id, status,
				 review_status, source, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '{}', $10, $11)
		`, p.StreamID, repoID, p.AgentID, p.Branch, p.BaseBranch, taskID,
			types.StreamActive, types.ReviewPending, p.Source, now, now); err != nil {
			return fail(err)
		}
		return ok

	case types.EventCommit:
		var p struct {
			StreamID   string `json:"stream_id"`
			AgentID    string `json:"agent_id"`
			CommitHash string `json:"commit_hash"`
			Message    string `json:"message"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		if p.CommitHash == "" {
			return fail(errkind.New(errkind.InvalidInput, "commit event missing commit_hash"))
		}
		var existing string
		err := q.QueryRow(ctx, `
			SELECT id FROM stream_commits WHERE stream_id = $1 AND commit_hash = $2
		`, p.StreamID, p.CommitHash).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		id := ids.New()
		if _, err := q.Exec(ctx, `
			INSERT INTO stream_commits (id, stream_id, agent_id, commit_hash, message, committed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, p.StreamID, p.AgentID, p.CommitHash, p.Message, ev.CreatedAt); err != nil {
			return fail(err)
		}
		return ok

	case types.EventReview:
		var p struct {
			StreamID   string    `json:"stream_id"`
			ReviewerID string    `json:"reviewer_id"`
			Verdict    string    `json:"verdict"`
			IsHuman    bool      `json:"is_human"`
			Tested     bool      `json:"tested"`
			ReviewedAt time.Time `json:"reviewed_at"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		var existingID string
		var existingAt time.Time
		err := q.QueryRow(ctx, `
			SELECT id, reviewed_at FROM stream_reviews
			WHERE stream_id = $1 AND reviewer_id = $2
		`, p.StreamID, p.ReviewerID).Scan(&existingID, &existingAt)
		switch {
		case err == nil:
			// Latest verdict wins; a replay of an older review is a duplicate.
			if !p.ReviewedAt.After(existingAt) {
				return dup(existingID)
			}
			if _, err := q.Exec(ctx, `
				UPDATE stream_reviews
				SET verdict = $1, is_human = $2, tested = $3, superseded = 0, reviewed_at = $4
				WHERE id = $5
			`, p.Verdict, boolInt(p.IsHuman), boolInt(p.Tested), p.ReviewedAt, existingID); err != nil {
				return fail(err)
			}
			return ok
		case store.NotFound(err):
			if _, err := q.Exec(ctx, `
				INSERT INTO stream_reviews
					(id, stream_id, reviewer_id, verdict, feedback, is_human, tested, superseded, reviewed_at)
				VALUES ($1, $2, $3, $4, '', $5, $6, 0, $7)
			`, ids.New(), p.StreamID, p.ReviewerID, p.Verdict,
				boolInt(p.IsHuman), boolInt(p.Tested), p.ReviewedAt); err != nil {
				return fail(err)
			}
			return ok
		default:
			return fail(err)
		}

	case types.EventStreamInReview, types.EventStreamAbandoned:
		var p struct {
			StreamID string `json:"stream_id"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		target := types.StreamInReview
		if ev.Type == types.EventStreamAbandoned {
			target = types.StreamAbandoned
		}
		var current string
		if err := q.QueryRow(ctx, `SELECT status FROM streams WHERE id = $1`, p.StreamID).Scan(&current); err != nil {
			return fail(store.ScanOne(err, "stream"))
		}
		if current == target {
			return dup(p.StreamID)
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, updated_at = $2 WHERE id = $3
		`, target, time.Now().UTC(), p.StreamID); err != nil {
			return fail(err)
		}
		return ok

	case types.EventMergeCompleted:
		var p struct {
			StreamID    string `json:"stream_id"`
			MergeCommit string `json:"merge_commit"`
			OperationID int64  `json:"operation_id"`
			Target      string `json:"target"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		var existing string
		err := q.QueryRow(ctx, `SELECT id FROM merges WHERE stream_id = $1`, p.StreamID).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO merges (id, stream_id, repo_id, target_branch, merge_commit, operation_id, merged_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ids.New(), p.StreamID, repoID, p.Target, p.MergeCommit, p.OperationID, ev.CreatedAt); err != nil {
			return fail(err)
		}
		if _, err := q.Exec(ctx, `
			UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
		`, types.StreamMerged, types.ReviewApproved, time.Now().UTC(), p.StreamID); err != nil {
			return fail(err)
		}
		return ok

	case types.EventStabilization:
		var p types.Stabilization
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		var existing string
		err := q.QueryRow(ctx, `
			SELECT id FROM stabilizations
			WHERE repo_id = $1 AND buffer_commit = $2 AND started_at = $3
		`, repoID, p.BufferCommit, p.StartedAt).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		var breaking interface{}
		if p.BreakingStreamID != "" {
			breaking = p.BreakingStreamID
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO stabilizations
				(id, repo_id, result, buffer_commit, tag, breaking_stream_id, details, started_at, stabilized_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ids.New(), repoID, p.Result, p.BufferCommit, p.Tag, breaking,
			p.Details, p.StartedAt, p.StabilizedAt); err != nil {
			return fail(err)
		}
		return ok

	case types.EventPromotion:
		var p types.Promotion
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		var existing string
		err := q.QueryRow(ctx, `
			SELECT id FROM promotions
			WHERE repo_id = $1 AND from_commit = $2 AND to_commit = $3
		`, repoID, p.FromCommit, p.ToCommit).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO promotions (id, repo_id, from_commit, to_commit, tag, trigger_kind, promoted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, ids.New(), repoID, p.FromCommit, p.ToCommit, p.Tag, p.Trigger, p.PromotedAt); err != nil {
			return fail(err)
		}
		return ok

	case types.EventMergeRequested:
		// Queued while the server was unreachable; the merge itself runs
		// after the batch commits (see evaluateMergeRequests). An already
		// merged stream makes the replay a duplicate.
		var p struct {
			StreamID    string `json:"stream_id"`
			RequestedBy string `json:"requested_by"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fail(errkind.Wrap(errkind.InvalidInput, err, "decode %s payload", ev.Type))
		}
		if err := ids.ValidateAll(p.StreamID, p.RequestedBy); err != nil {
			return fail(err)
		}
		var existing string
		err := q.QueryRow(ctx, `SELECT id FROM merges WHERE stream_id = $1`, p.StreamID).Scan(&existing)
		if err == nil {
			return dup(existing)
		}
		if !store.NotFound(err) {
			return fail(err)
		}
		return ok

	default:
		// Informational events (consensus_reached, plugin warnings, council
		// traffic) are recorded in the server's own event log for pollers,
		// nothing else to apply.
		if _, err := q.Exec(ctx, `
			INSERT INTO sync_events (repo_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4)
		`, repoID, ev.Type, string(ev.Payload), ev.CreatedAt); err != nil {
			return fail(err)
		}
		return ok
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
