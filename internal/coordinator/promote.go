package coordinator

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Promote fast-forwards the promote target to the most recent green-tagged
// buffer commit. Promotion never merges: a diverged target is an error to be
// resolved out of band.
func (c *Coordinator) Promote(ctx context.Context, repoID, trigger string) (*types.Promotion, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	switch trigger {
	case types.TriggerAuto, types.TriggerManual, types.TriggerCouncil:
	default:
		return nil, errkind.New(errkind.InvalidInput, "unknown promotion trigger %q", trigger)
	}
	repo, err := c.reposvc.Get(ctx, repoID)
	if err != nil {
		return nil, err
	}
	release, err := c.st.AcquireLock(ctx, "promote-"+repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = release() }()

	tag, err := c.git.LatestTag(ctx, "green/")
	if err != nil {
		return nil, err
	}
	if tag == "" {
		return nil, errkind.New(errkind.InvalidInput, "repo %s has no green stabilization to promote", repoID)
	}
	toCommit, err := c.git.ResolveTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	fromCommit, err := c.git.BranchHead(ctx, repo.PromoteTarget)
	if err != nil {
		return nil, err
	}
	if fromCommit == toCommit {
		return nil, errkind.New(errkind.InvalidInput,
			"%s already at green commit %s", repo.PromoteTarget, toCommit)
	}

	if err := c.git.FastForward(ctx, repo.PromoteTarget, toCommit); err != nil {
		if errkind.Is(err, errkind.Conflict) {
			return nil, errkind.Wrap(errkind.Conflict, err,
				"cannot promote: %s has diverged from %s", repo.PromoteTarget, repo.BufferBranch)
		}
		return nil, err
	}

	p := &types.Promotion{
		ID:         ids.New(),
		RepoID:     repoID,
		FromCommit: fromCommit,
		ToCommit:   toCommit,
		Tag:        tag,
		Trigger:    trigger,
		PromotedAt: time.Now().UTC(),
	}
	err = c.st.InTx(ctx, func(q store.Querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO promotions (id, repo_id, from_commit, to_commit, tag, trigger_kind, promoted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, p.ID, p.RepoID, p.FromCommit, p.ToCommit, p.Tag, p.Trigger, p.PromotedAt)
		if err != nil {
			return err
		}
		return c.emitter.Emit(ctx, q, repoID, types.EventPromotion, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Promotions lists a repo's promotion history, newest first.
func (c *Coordinator) Promotions(ctx context.Context, repoID string) ([]*types.Promotion, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	rows, err := c.st.Query(ctx, `
		SELECT id, repo_id, from_commit, to_commit, tag, trigger_kind, promoted_at
		FROM promotions WHERE repo_id = $1
		ORDER BY promoted_at DESC
	`, repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Promotion
	for rows.Next() {
		var p types.Promotion
		var tag *string
		if err := rows.Scan(&p.ID, &p.RepoID, &p.FromCommit, &p.ToCommit, &tag, &p.Trigger, &p.PromotedAt); err != nil {
			return nil, err
		}
		if tag != nil {
			p.Tag = *tag
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
