package stream

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// ReviewRequest is one reviewer verdict on a stream.
type ReviewRequest struct {
	StreamID   string
	ReviewerID string
	Verdict    string
	Feedback   string
	IsHuman    bool
	Tested     bool
}

// SubmitReview upserts the reviewer's verdict, keyed by (stream, reviewer):
// the most recent verdict replaces the prior one. A request_changes verdict
// sends the stream back to active with review_status changes_requested.
func (m *Manager) SubmitReview(ctx context.Context, req ReviewRequest) (*types.Review, error) {
	if err := ids.ValidateAll(req.StreamID, req.ReviewerID); err != nil {
		return nil, err
	}
	switch req.Verdict {
	case types.VerdictApprove, types.VerdictRequestChanges, types.VerdictComment:
	default:
		return nil, errkind.New(errkind.InvalidInput, "unknown verdict %q", req.Verdict)
	}

	s, err := m.Get(ctx, req.StreamID)
	if err != nil {
		return nil, err
	}
	if s.Status == types.StreamMerged || s.Status == types.StreamAbandoned {
		return nil, errkind.New(errkind.IllegalTransition,
			"cannot review terminal stream (from=%s)", s.Status)
	}

	now := time.Now().UTC()
	review := &types.Review{
		ID:         ids.New(),
		StreamID:   req.StreamID,
		ReviewerID: req.ReviewerID,
		Verdict:    req.Verdict,
		Feedback:   req.Feedback,
		IsHuman:    req.IsHuman,
		Tested:     req.Tested,
		ReviewedAt: now,
	}

	err = m.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO stream_reviews
				(id, stream_id, reviewer_id, verdict, feedback, is_human, tested, superseded, reviewed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
			ON CONFLICT (stream_id, reviewer_id) DO UPDATE SET
				verdict = excluded.verdict, feedback = excluded.feedback,
				is_human = excluded.is_human, tested = excluded.tested,
				superseded = 0, reviewed_at = excluded.reviewed_at
		`, review.ID, review.StreamID, review.ReviewerID, review.Verdict,
			review.Feedback, boolInt(review.IsHuman), boolInt(review.Tested), now)
		if err != nil {
			return err
		}

		if req.Verdict == types.VerdictRequestChanges && s.Status == types.StreamInReview {
			if _, err := q.Exec(ctx, `
				UPDATE streams SET status = $1, review_status = $2, updated_at = $3 WHERE id = $4
			`, types.StreamActive, types.ReviewChangesRequested, now, s.ID); err != nil {
				return err
			}
		}

		return m.emitter.Emit(ctx, q, s.RepoID, "review", map[string]interface{}{
			"stream_id":   review.StreamID,
			"reviewer_id": review.ReviewerID,
			"verdict":     review.Verdict,
			"is_human":    review.IsHuman,
			"tested":      review.Tested,
			"reviewed_at": now,
		})
	})
	if err != nil {
		return nil, err
	}
	return review, nil
}

// Reviews returns the stream's current effective review set (superseded
// verdicts excluded).
func (m *Manager) Reviews(ctx context.Context, streamID string) ([]*types.Review, error) {
	if err := ids.Validate(streamID); err != nil {
		return nil, err
	}
	rows, err := m.st.Query(ctx, `
		SELECT id, stream_id, reviewer_id, verdict, feedback, is_human, tested, superseded, reviewed_at
		FROM stream_reviews
		WHERE stream_id = $1 AND superseded = 0
		ORDER BY reviewed_at ASC
	`, streamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Review
	for rows.Next() {
		var r types.Review
		var isHuman, tested, superseded int
		if err := rows.Scan(&r.ID, &r.StreamID, &r.ReviewerID, &r.Verdict, &r.Feedback,
			&isHuman, &tested, &superseded, &r.ReviewedAt); err != nil {
			return nil, err
		}
		r.IsHuman = isHuman != 0
		r.Tested = tested != 0
		r.Superseded = superseded != 0
		out = append(out, &r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
