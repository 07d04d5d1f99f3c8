// Package repos owns the repo policy rows: creation, lookup, the monotonic
// stage progression, and the one-way consensus-authority switch.
package repos

import (
	"context"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Service reads and writes repo rows.
type Service struct {
	st store.Store
}

// New creates a repo service.
func New(st store.Store) *Service {
	return &Service{st: st}
}

// Create inserts a repo with defaulted policy. Field invariants
// (min_reviews >= 1, threshold in [0,1]) are also enforced by schema checks.
func (s *Service) Create(ctx context.Context, name string) (*types.Repo, error) {
	if name == "" {
		return nil, errkind.New(errkind.InvalidInput, "repo name required")
	}
	r := &types.Repo{
		ID:                      ids.New(),
		Name:                    name,
		MergeMode:               types.MergeModeReview,
		OwnershipModel:          types.OwnershipGuild,
		ConsensusThreshold:      0.66,
		MinReviews:              1,
		HumanReviewWeight:       1.5,
		AgentAccess:             types.AccessPublic,
		BufferBranch:            "buffer",
		PromoteTarget:           "main",
		AutoRevertOnRed:         true,
		StabilizeTimeoutSeconds: 1800,
		Stage:                   types.StageSeed,
		ConsensusAuthority:      types.AuthorityLocal,
	}
	_, err := s.st.Exec(ctx, `
		INSERT INTO repos
			(id, name, merge_mode, ownership_model, consensus_threshold, min_reviews,
			 human_review_weight, agent_access, min_karma, is_private, buffer_branch,
			 promote_target, auto_promote_on_green, auto_revert_on_red,
			 stabilize_command, stabilize_timeout_seconds, stage, consensus_authority,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, 0, 1, '', $11, $12, $13, $14, $15)
	`, r.ID, r.Name, r.MergeMode, r.OwnershipModel, r.ConsensusThreshold, r.MinReviews,
		r.HumanReviewWeight, r.AgentAccess, r.BufferBranch, r.PromoteTarget,
		r.StabilizeTimeoutSeconds, r.Stage, r.ConsensusAuthority,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return r, nil
}

const repoColumns = `id, name, org_id, merge_mode, ownership_model, consensus_threshold,
	min_reviews, human_review_weight, agent_access, min_karma, is_private,
	has_config_file, buffer_branch, promote_target, auto_promote_on_green,
	auto_revert_on_red, stabilize_command, stabilize_timeout_seconds, stage,
	consensus_authority`

func scanRepo(scan func(dest ...interface{}) error) (*types.Repo, error) {
	var r types.Repo
	var isPrivate, hasConfig, autoPromote, autoRevert int
	err := scan(&r.ID, &r.Name, &r.OrgID, &r.MergeMode, &r.OwnershipModel,
		&r.ConsensusThreshold, &r.MinReviews, &r.HumanReviewWeight, &r.AgentAccess,
		&r.MinKarma, &isPrivate, &hasConfig, &r.BufferBranch, &r.PromoteTarget,
		&autoPromote, &autoRevert, &r.StabilizeCommand, &r.StabilizeTimeoutSeconds,
		&r.Stage, &r.ConsensusAuthority)
	if err != nil {
		return nil, err
	}
	r.IsPrivate = isPrivate != 0
	r.HasConfigFile = hasConfig != 0
	r.AutoPromoteOnGreen = autoPromote != 0
	r.AutoRevertOnRed = autoRevert != 0
	return &r, nil
}

// Get fetches a repo by id.
func (s *Service) Get(ctx context.Context, repoID string) (*types.Repo, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	row := s.st.QueryRow(ctx, `SELECT `+repoColumns+` FROM repos WHERE id = $1`, repoID)
	r, err := scanRepo(row.Scan)
	if err != nil {
		return nil, store.ScanOne(err, "repo")
	}
	return r, nil
}

// ProgressStage advances the repo stage. Stage never regresses; a request
// to move backwards is an invalid input.
func (s *Service) ProgressStage(ctx context.Context, repoID, stage string) error {
	if err := ids.Validate(repoID); err != nil {
		return err
	}
	newRank, ok := types.StageRank[stage]
	if !ok {
		return errkind.New(errkind.InvalidInput, "unknown stage %q", stage)
	}
	return s.st.InTx(ctx, func(q store.Querier) error {
		var current string
		if err := q.QueryRow(ctx, `SELECT stage FROM repos WHERE id = $1`, repoID).Scan(&current); err != nil {
			return store.ScanOne(err, "repo")
		}
		if newRank < types.StageRank[current] {
			return errkind.New(errkind.InvalidInput,
				"stage is monotonic: cannot move %s -> %s", current, stage)
		}
		_, err := q.Exec(ctx, `UPDATE repos SET stage = $1, updated_at = $2 WHERE id = $3`,
			stage, time.Now().UTC(), repoID)
		return err
	})
}

// BindServerAuthority flips consensus_authority to server. The switch is
// one-way: once server, always server.
func (s *Service) BindServerAuthority(ctx context.Context, repoID string) error {
	if err := ids.Validate(repoID); err != nil {
		return err
	}
	_, err := s.st.Exec(ctx, `
		UPDATE repos SET consensus_authority = $1, updated_at = $2 WHERE id = $3
	`, types.AuthorityServer, time.Now().UTC(), repoID)
	return err
}

// RepoOwnedUpdate is the set of fields a .gitswarm/config.yml may set.
type RepoOwnedUpdate struct {
	MergeMode               string
	OwnershipModel          string
	ConsensusThreshold      float64
	MinReviews              int
	HumanReviewWeight       float64
	BufferBranch            string
	PromoteTarget           string
	AutoPromoteOnGreen      bool
	AutoRevertOnRed         bool
	StabilizeCommand        string
	StabilizeTimeoutSeconds int
}

// ApplyRepoOwned writes repo-owned policy from the parsed config file and
// marks the repo as config-file-backed. Server-owned fields are untouched.
func (s *Service) ApplyRepoOwned(ctx context.Context, repoID string, u RepoOwnedUpdate) error {
	if err := ids.Validate(repoID); err != nil {
		return err
	}
	if u.MinReviews < 1 {
		return errkind.New(errkind.InvalidInput, "min_reviews must be >= 1, got %d", u.MinReviews)
	}
	if u.ConsensusThreshold < 0 || u.ConsensusThreshold > 1 {
		return errkind.New(errkind.InvalidInput,
			"consensus_threshold must be in [0,1], got %v", u.ConsensusThreshold)
	}
	_, err := s.st.Exec(ctx, `
		UPDATE repos SET
			merge_mode = $1, ownership_model = $2, consensus_threshold = $3,
			min_reviews = $4, human_review_weight = $5, buffer_branch = $6,
			promote_target = $7, auto_promote_on_green = $8, auto_revert_on_red = $9,
			stabilize_command = $10, stabilize_timeout_seconds = $11,
			has_config_file = 1, updated_at = $12
		WHERE id = $13
	`, u.MergeMode, u.OwnershipModel, u.ConsensusThreshold, u.MinReviews,
		u.HumanReviewWeight, u.BufferBranch, u.PromoteTarget,
		boolInt(u.AutoPromoteOnGreen), boolInt(u.AutoRevertOnRed),
		u.StabilizeCommand, u.StabilizeTimeoutSeconds, time.Now().UTC(), repoID)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
