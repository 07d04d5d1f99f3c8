// Package syncer is the offline bridge between a local engine and a
// federation server. Writes queue durable events inside the writer's own
// transaction; replay drains the queue in batches with per-event outcomes
// so a partial failure never loses or reorders events.
package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// DefaultBatchSize caps how many events one replay round sends.
const DefaultBatchSize = 100

// maxAttempts is how many replays a failing event gets before it is parked
// as dead.
const maxAttempts = 5

// Engine owns the durable event queue.
type Engine struct {
	st        store.Store
	client    *Client
	batchSize int
}

// New creates a sync engine. client may be nil for purely local repos; Emit
// still queues, and Flush reports server_unavailable.
func New(st store.Store, client *Client) *Engine {
	return &Engine{st: st, client: client, batchSize: DefaultBatchSize}
}

// Emit appends an event to the queue inside the caller's transaction, so
// the event exists iff the state change it describes committed.
func (e *Engine) Emit(ctx context.Context, q store.Querier, repoID, eventType string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, err, "marshal %s payload", eventType)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO sync_events (repo_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`, repoID, eventType, string(b), time.Now().UTC())
	return err
}

// FlushReport summarizes one replay round.
type FlushReport struct {
	Sent       int `json:"sent"`
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Dead       int `json:"dead"`
	Remaining  int `json:"remaining"`
}

// Flush replays up to one batch of queued events in seq order. Events the
// server applied or already had are removed; a terminal rejection parks the
// event as dead; any other failure bumps the attempt count and stops the
// batch so ordering is preserved.
func (e *Engine) Flush(ctx context.Context, repoID string) (*FlushReport, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	if e.client == nil {
		return nil, errkind.New(errkind.ServerUnavailable, "no federation server configured")
	}

	events, err := e.pending(ctx, repoID, e.batchSize)
	if err != nil {
		return nil, err
	}
	report := &FlushReport{}
	if len(events) == 0 {
		return report, nil
	}

	results, err := e.client.PushEvents(ctx, repoID, events)
	if err != nil {
		return nil, err
	}
	report.Sent = len(events)

	bySeq := make(map[int64]EventResult, len(results))
	for _, r := range results {
		bySeq[r.Seq] = r
	}

	err = e.st.InTx(ctx, func(q store.Querier) error {
		for _, ev := range events {
			r, ok := bySeq[ev.Seq]
			if !ok {
				// No verdict for this event; leave it queued.
				continue
			}
			switch r.Status {
			case StatusOK:
				report.Applied++
				if _, err := q.Exec(ctx, `DELETE FROM sync_events WHERE seq = $1`, ev.Seq); err != nil {
					return err
				}
			case StatusDuplicate:
				report.Duplicates++
				if _, err := q.Exec(ctx, `DELETE FROM sync_events WHERE seq = $1`, ev.Seq); err != nil {
					return err
				}
			case StatusPending:
				// The server stopped before this event; it stays queued for
				// the next round.
				return nil
			default:
				if r.Terminal {
					// Validation-class rejection no retry will fix: park the
					// event dead and keep draining the rest of the batch.
					report.Dead++
					if _, err := q.Exec(ctx, `
						UPDATE sync_events
						SET attempts = attempts + 1, last_error = $1, dead = 1
						WHERE seq = $2
					`, r.Message, ev.Seq); err != nil {
						return err
					}
					continue
				}
				// Retryable failure: bump and stop so later events never
				// apply ahead of this one. Repeated failures park it as dead.
				if _, err := q.Exec(ctx, `
					UPDATE sync_events
					SET attempts = attempts + 1,
					    last_error = $1,
					    dead = CASE WHEN attempts + 1 >= $2 THEN 1 ELSE 0 END
					WHERE seq = $3
				`, r.Message, maxAttempts, ev.Seq); err != nil {
					return err
				}
				var parked int
				if err := q.QueryRow(ctx, `
					SELECT dead FROM sync_events WHERE seq = $1
				`, ev.Seq).Scan(&parked); err != nil {
					return err
				}
				if parked != 0 {
					report.Dead++
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.Remaining, err = e.Pending(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// FlushAll replays batches until the queue is empty or a batch stalls.
func (e *Engine) FlushAll(ctx context.Context, repoID string) (*FlushReport, error) {
	total := &FlushReport{}
	for {
		r, err := e.Flush(ctx, repoID)
		if err != nil {
			return nil, err
		}
		total.Sent += r.Sent
		total.Applied += r.Applied
		total.Duplicates += r.Duplicates
		total.Dead += r.Dead
		total.Remaining = r.Remaining
		if r.Remaining == 0 || r.Applied+r.Duplicates+r.Dead == 0 {
			return total, nil
		}
	}
}

// Pending counts replayable queued events.
func (e *Engine) Pending(ctx context.Context, repoID string) (int, error) {
	var n int
	err := e.st.QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_events WHERE repo_id = $1 AND dead = 0
	`, repoID).Scan(&n)
	if err != nil {
		return 0, store.ScanOne(err, "sync queue")
	}
	return n, nil
}

// DeadEvents lists events parked after repeated or terminal failures.
func (e *Engine) DeadEvents(ctx context.Context, repoID string) ([]types.SyncEvent, error) {
	rows, err := e.st.Query(ctx, `
		SELECT seq, repo_id, event_type, payload, created_at, attempts, last_error, dead
		FROM sync_events WHERE repo_id = $1 AND dead = 1
		ORDER BY seq ASC
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.SyncEvent
	for rows.Next() {
		var ev types.SyncEvent
		var payload string
		var dead int
		if err := rows.Scan(&ev.Seq, &ev.RepoID, &ev.Type, &payload, &ev.CreatedAt,
			&ev.Attempts, &ev.LastError, &dead); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		ev.Dead = dead != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReviveDead requeues a dead event for another replay attempt.
func (e *Engine) ReviveDead(ctx context.Context, seq int64) error {
	res, err := e.st.Exec(ctx, `
		UPDATE sync_events SET dead = 0, attempts = 0, last_error = '' WHERE seq = $1 AND dead = 1
	`, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "no dead event with seq %d", seq)
	}
	return nil
}

// Poll pulls server-side events after the stored cursor and advances it.
func (e *Engine) Poll(ctx context.Context, repoID string) ([]types.SyncEvent, error) {
	if e.client == nil {
		return nil, errkind.New(errkind.ServerUnavailable, "no federation server configured")
	}
	var cursor string
	err := e.st.QueryRow(ctx, `SELECT cursor FROM sync_state WHERE repo_id = $1`, repoID).Scan(&cursor)
	if err != nil && !store.NotFound(err) {
		return nil, store.ScanOne(err, "sync cursor")
	}

	resp, err := e.client.Poll(ctx, repoID, cursor)
	if err != nil {
		return nil, err
	}
	if resp.Cursor != "" && resp.Cursor != cursor {
		err = e.st.InTx(ctx, func(q store.Querier) error {
			res, err := q.Exec(ctx, `
				UPDATE sync_state SET cursor = $1, updated_at = $2 WHERE repo_id = $3
			`, resp.Cursor, time.Now().UTC(), repoID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				_, err = q.Exec(ctx, `
					INSERT INTO sync_state (repo_id, cursor, updated_at) VALUES ($1, $2, $3)
				`, repoID, resp.Cursor, time.Now().UTC())
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return resp.Events, nil
}

func (e *Engine) pending(ctx context.Context, repoID string, limit int) ([]EventEnvelope, error) {
	rows, err := e.st.Query(ctx, `
		SELECT seq, repo_id, event_type, payload, created_at
		FROM sync_events
		WHERE repo_id = $1 AND dead = 0
		ORDER BY seq ASC
		LIMIT $2
	`, repoID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []EventEnvelope
	for rows.Next() {
		var ev EventEnvelope
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.RepoID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
