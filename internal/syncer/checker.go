package syncer

import (
	"context"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Checker routes consensus evaluation by repo authority. Local repos use
// the in-process rules; server-authoritative repos drain the event queue
// first so the server sees every review, then ask the server. An
// unreachable server is reported as an unreached result, never evaluated
// locally.
type Checker struct {
	st     store.Store
	local  *consensus.Service
	engine *Engine
}

// NewChecker wires the authority-routing consensus checker.
func NewChecker(st store.Store, local *consensus.Service, engine *Engine) *Checker {
	return &Checker{st: st, local: local, engine: engine}
}

// Check implements the coordinator's ConsensusChecker.
func (c *Checker) Check(ctx context.Context, streamID, repoID string) (*consensus.Result, error) {
	var authority string
	err := c.st.QueryRow(ctx, `SELECT consensus_authority FROM repos WHERE id = $1`, repoID).Scan(&authority)
	if err != nil {
		return nil, store.ScanOne(err, "repo")
	}
	if authority != types.AuthorityServer {
		return c.local.Check(ctx, streamID, repoID)
	}

	unavailable := &consensus.Result{
		Reason:                consensus.ReasonServerUnavailable,
		IsServerAuthoritative: true,
	}
	report, err := c.engine.FlushAll(ctx, repoID)
	if err != nil {
		if errkind.Is(err, errkind.ServerUnavailable) {
			return unavailable, nil
		}
		return nil, err
	}
	if report.Remaining > 0 {
		// Undelivered review events mean the server's view is stale; a
		// verdict now could be based on reviews it has not seen.
		return &consensus.Result{
			Reason:                consensus.ReasonStaleReviews,
			IsServerAuthoritative: true,
		}, nil
	}

	result, err := c.engine.client.CheckConsensus(ctx, repoID, streamID)
	if err != nil {
		if errkind.Is(err, errkind.ServerUnavailable) {
			return unavailable, nil
		}
		return nil, err
	}
	return result, nil
}
