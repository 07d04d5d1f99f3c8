// Package consensus computes whether a stream's review set satisfies its
// repo's ownership-model threshold. Evaluation is a pure function over the
// store; the same rules run against both backends.
package consensus

import (
	"context"
	"math"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Enumerated consensus reasons.
const (
	ReasonInsufficientReviews = "insufficient_reviews"
	ReasonOwnerRejected       = "owner_rejected"
	ReasonAwaitingOwner       = "awaiting_owner"
	ReasonNoMaintainerReviews = "no_maintainer_reviews"
	ReasonBelowThreshold      = "below_threshold"
	ReasonReached             = "consensus_reached"
	ReasonServerUnavailable   = "server_unavailable"
	ReasonStaleReviews        = "stale_reviews"
)

// Result is the outcome of a consensus evaluation.
type Result struct {
	Reached               bool    `json:"reached"`
	Reason                string  `json:"reason"`
	Ratio                 float64 `json:"ratio,omitempty"`
	Threshold             float64 `json:"threshold"`
	Approvals             int     `json:"approvals"`
	Rejections            int     `json:"rejections"`
	IsServerAuthoritative bool    `json:"is_server_authoritative"`
	Queued                bool    `json:"queued,omitempty"`
}

// reviewerState is one reviewer's effective verdict plus the facts the
// models weigh.
type reviewerState struct {
	agentID string
	verdict string
	isHuman bool
	karma   int64
	role    string // maintainer role, "" if none
}

// Service evaluates consensus locally.
type Service struct {
	st store.Store
}

// New creates a consensus service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// Check evaluates the repo's ownership model against the stream's current
// review set. At most one effective verdict per reviewer (latest wins;
// superseded reviews are excluded).
func (s *Service) Check(ctx context.Context, streamID, repoID string) (*Result, error) {
	if err := ids.ValidateAll(streamID, repoID); err != nil {
		return nil, err
	}

	var (
		model      string
		threshold  float64
		minReviews int
		humanWt    float64
		authority  string
	)
	err := s.st.QueryRow(ctx, `
		SELECT ownership_model, consensus_threshold, min_reviews,
		       human_review_weight, consensus_authority
		FROM repos WHERE id = $1
	`, repoID).Scan(&model, &threshold, &minReviews, &humanWt, &authority)
	if err != nil {
		return nil, store.ScanOne(err, "repo")
	}

	reviewers, err := s.loadReviewers(ctx, streamID, repoID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Threshold:             threshold,
		IsServerAuthoritative: authority == types.AuthorityServer,
	}

	switch model {
	case types.OwnershipSolo:
		evaluateSolo(res, reviewers)
	case types.OwnershipGuild:
		evaluateGuild(res, reviewers, threshold, minReviews)
	case types.OwnershipOpen:
		evaluateOpen(res, reviewers, threshold, minReviews, humanWt)
	default:
		return nil, errkind.New(errkind.Fatal, "repo %s has unknown ownership model %q", repoID, model)
	}
	return res, nil
}

func (s *Service) loadReviewers(ctx context.Context, streamID, repoID string) ([]reviewerState, error) {
	rows, err := s.st.Query(ctx, `
		SELECT r.reviewer_id, r.verdict, r.is_human,
		       COALESCE(a.karma, 0), COALESCE(m.role, '')
		FROM stream_reviews r
		LEFT JOIN agents a ON a.id = r.reviewer_id
		LEFT JOIN maintainers m ON m.repo_id = $2 AND m.agent_id = r.reviewer_id
		WHERE r.stream_id = $1 AND r.superseded = 0
		ORDER BY r.reviewed_at ASC
	`, streamID, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []reviewerState
	for rows.Next() {
		var rs reviewerState
		var isHuman int
		if err := rows.Scan(&rs.agentID, &rs.verdict, &isHuman, &rs.karma, &rs.role); err != nil {
			return nil, err
		}
		rs.isHuman = isHuman != 0
		out = append(out, rs)
	}
	return out, rows.Err()
}

// evaluateSolo: reached iff at least one owner approves and no owner has an
// outstanding request_changes.
func evaluateSolo(res *Result, reviewers []reviewerState) {
	ownerApproved := false
	ownerRejected := false
	for _, r := range reviewers {
		if r.role != types.RoleOwner {
			continue
		}
		switch r.verdict {
		case types.VerdictApprove:
			ownerApproved = true
			res.Approvals++
		case types.VerdictRequestChanges:
			ownerRejected = true
			res.Rejections++
		}
	}
	switch {
	case ownerRejected:
		res.Reason = ReasonOwnerRejected
	case ownerApproved:
		res.Reached = true
		res.Reason = ReasonReached
		res.Ratio = 1.0
	default:
		res.Reason = ReasonAwaitingOwner
	}
}

// evaluateGuild: only maintainer reviews count; approval ratio among them
// must meet the threshold with at least min_reviews total and one approval.
func evaluateGuild(res *Result, reviewers []reviewerState, threshold float64, minReviews int) {
	for _, r := range reviewers {
		if r.role == "" {
			continue
		}
		switch r.verdict {
		case types.VerdictApprove:
			res.Approvals++
		case types.VerdictRequestChanges:
			res.Rejections++
		}
	}
	total := res.Approvals + res.Rejections
	if total == 0 {
		res.Reason = ReasonNoMaintainerReviews
		return
	}
	if total < minReviews {
		res.Reason = ReasonInsufficientReviews
		return
	}
	res.Ratio = float64(res.Approvals) / float64(total)
	if res.Ratio >= threshold && res.Approvals >= 1 {
		res.Reached = true
		res.Reason = ReasonReached
		return
	}
	res.Reason = ReasonBelowThreshold
}

// evaluateOpen: karma-weighted. Agents weigh sqrt(karma+1); human reviews
// weigh human_review_weight times that.
func evaluateOpen(res *Result, reviewers []reviewerState, threshold float64, minReviews int, humanWt float64) {
	var approvalWeight, rejectionWeight float64
	total := 0
	for _, r := range reviewers {
		w := math.Sqrt(float64(r.karma) + 1)
		if r.isHuman {
			w *= humanWt
		}
		switch r.verdict {
		case types.VerdictApprove:
			approvalWeight += w
			res.Approvals++
		case types.VerdictRequestChanges:
			rejectionWeight += w
			res.Rejections++
		default:
			continue
		}
		total++
	}
	if total < minReviews {
		res.Reason = ReasonInsufficientReviews
		return
	}
	if approvalWeight+rejectionWeight == 0 {
		res.Reason = ReasonInsufficientReviews
		return
	}
	res.Ratio = approvalWeight / (approvalWeight + rejectionWeight)
	if res.Ratio >= threshold {
		res.Reached = true
		res.Reason = ReasonReached
		return
	}
	res.Reason = ReasonBelowThreshold
}
