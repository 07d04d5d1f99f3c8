// Package repocfg loads and applies the repo-owned configuration file
// (.gitswarm/config.yml). The file is authoritative for merge, buffer,
// stabilize and consensus policy; server-owned settings never appear here.
package repocfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/types"
)

// FileName is the config path relative to the repo root.
const FileName = ".gitswarm/config.yml"

// FlakeDetection tunes red-run retries during stabilization.
type FlakeDetection struct {
	Enabled        bool    `yaml:"enabled"`
	RetryCount     int     `yaml:"retry_count"`
	FlakyThreshold float64 `yaml:"flaky_threshold"`
}

// MergeQueue tunes batching during queue processing.
type MergeQueue struct {
	BatchSize           int  `yaml:"batch_size"`
	BatchMaxWaitSeconds int  `yaml:"batch_max_wait_seconds"`
	BisectOnFailure     bool `yaml:"bisect_on_failure"`
}

// BranchRule is one branch protection entry.
type BranchRule struct {
	Pattern                    string   `yaml:"pattern"`
	DirectPush                 string   `yaml:"direct_push"`
	RequiredApprovals          int      `yaml:"required_approvals"`
	RequireTestsPass           bool     `yaml:"require_tests_pass"`
	ConsensusThresholdOverride *float64 `yaml:"consensus_threshold_override,omitempty"`
	Priority                   int      `yaml:"priority"`
}

// Plugin is one configured plugin entry.
type Plugin struct {
	Name    string            `yaml:"name"`
	Tier    int               `yaml:"tier"`
	Options map[string]string `yaml:"options,omitempty"`
}

// Config is the typed form of .gitswarm/config.yml. All keys optional;
// zero-value fields take the documented defaults.
type Config struct {
	MergeMode               string         `yaml:"merge_mode"`
	OwnershipModel          string         `yaml:"ownership_model"`
	ConsensusThreshold      float64        `yaml:"consensus_threshold"`
	MinReviews              int            `yaml:"min_reviews"`
	HumanReviewWeight       float64        `yaml:"human_review_weight"`
	BufferBranch            string         `yaml:"buffer_branch"`
	PromoteTarget           string         `yaml:"promote_target"`
	AutoPromoteOnGreen      bool           `yaml:"auto_promote_on_green"`
	AutoRevertOnRed         bool           `yaml:"auto_revert_on_red"`
	StabilizeCommand        string         `yaml:"stabilize_command"`
	StabilizeTimeoutSeconds int            `yaml:"stabilize_timeout_seconds"`
	FlakeDetection          FlakeDetection `yaml:"flake_detection"`
	MergeQueue              MergeQueue     `yaml:"merge_queue"`
	BranchRules             []BranchRule   `yaml:"branch_rules"`
	Plugins                 []Plugin       `yaml:"plugins"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		MergeMode:               types.MergeModeReview,
		OwnershipModel:          types.OwnershipGuild,
		ConsensusThreshold:      0.66,
		MinReviews:              1,
		HumanReviewWeight:       1.5,
		BufferBranch:            "buffer",
		PromoteTarget:           "main",
		AutoPromoteOnGreen:      false,
		AutoRevertOnRed:         true,
		StabilizeCommand:        "",
		StabilizeTimeoutSeconds: 1800,
		FlakeDetection: FlakeDetection{
			Enabled:        true,
			RetryCount:     3,
			FlakyThreshold: 0.5,
		},
		MergeQueue: MergeQueue{
			BatchSize:           1,
			BatchMaxWaitSeconds: 0,
			BisectOnFailure:     true,
		},
	}
}

// Load reads the config file under repoRoot. A missing file yields the
// defaults with found=false; a malformed or invalid file is an error.
func Load(repoRoot string) (Config, bool, error) {
	cfg := Default()
	path := filepath.Join(repoRoot, filepath.FromSlash(FileName))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("read %s: %w", FileName, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, errkind.Wrap(errkind.InvalidInput, err, "parse %s", FileName)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, true, err
	}
	return cfg, true, nil
}

// Validate checks enum and range invariants.
func (c *Config) Validate() error {
	switch c.MergeMode {
	case types.MergeModeSwarm, types.MergeModeReview, types.MergeModeGated:
	default:
		return errkind.New(errkind.InvalidInput, "unknown merge_mode %q", c.MergeMode)
	}
	switch c.OwnershipModel {
	case types.OwnershipSolo, types.OwnershipGuild, types.OwnershipOpen:
	default:
		return errkind.New(errkind.InvalidInput, "unknown ownership_model %q", c.OwnershipModel)
	}
	if c.ConsensusThreshold < 0 || c.ConsensusThreshold > 1 {
		return errkind.New(errkind.InvalidInput,
			"consensus_threshold must be in [0,1], got %v", c.ConsensusThreshold)
	}
	if c.MinReviews < 1 {
		return errkind.New(errkind.InvalidInput, "min_reviews must be >= 1, got %d", c.MinReviews)
	}
	if c.HumanReviewWeight < 0 {
		return errkind.New(errkind.InvalidInput,
			"human_review_weight must be >= 0, got %v", c.HumanReviewWeight)
	}
	if c.StabilizeTimeoutSeconds < 1 {
		return errkind.New(errkind.InvalidInput,
			"stabilize_timeout_seconds must be >= 1, got %d", c.StabilizeTimeoutSeconds)
	}
	if c.MergeQueue.BatchSize < 1 {
		return errkind.New(errkind.InvalidInput,
			"merge_queue.batch_size must be >= 1, got %d", c.MergeQueue.BatchSize)
	}
	for _, r := range c.BranchRules {
		if r.Pattern == "" {
			return errkind.New(errkind.InvalidInput, "branch rule with empty pattern")
		}
		switch r.DirectPush {
		case "", "none", "maintainers", "all":
		default:
			return errkind.New(errkind.InvalidInput,
				"branch rule %s: unknown direct_push %q", r.Pattern, r.DirectPush)
		}
		if r.ConsensusThresholdOverride != nil {
			if v := *r.ConsensusThresholdOverride; v < 0 || v > 1 {
				return errkind.New(errkind.InvalidInput,
					"branch rule %s: threshold override must be in [0,1], got %v", r.Pattern, v)
			}
		}
	}
	return nil
}

// Apply writes the repo-owned policy and branch rules to the store. The
// config file wins over whatever the rows held before.
func Apply(ctx context.Context, cfg Config, repoID string, reposvc *repos.Service, idsvc *identity.Service) error {
	err := reposvc.ApplyRepoOwned(ctx, repoID, repos.RepoOwnedUpdate{
		MergeMode:               cfg.MergeMode,
		OwnershipModel:          cfg.OwnershipModel,
		ConsensusThreshold:      cfg.ConsensusThreshold,
		MinReviews:              cfg.MinReviews,
		HumanReviewWeight:       cfg.HumanReviewWeight,
		BufferBranch:            cfg.BufferBranch,
		PromoteTarget:           cfg.PromoteTarget,
		AutoPromoteOnGreen:      cfg.AutoPromoteOnGreen,
		AutoRevertOnRed:         cfg.AutoRevertOnRed,
		StabilizeCommand:        cfg.StabilizeCommand,
		StabilizeTimeoutSeconds: cfg.StabilizeTimeoutSeconds,
	})
	if err != nil {
		return err
	}
	for _, r := range cfg.BranchRules {
		directPush := r.DirectPush
		if directPush == "" {
			directPush = "none"
		}
		rule := &types.BranchRule{
			RepoID:            repoID,
			BranchPattern:     r.Pattern,
			DirectPush:        directPush,
			RequiredApprovals: r.RequiredApprovals,
			RequireTestsPass:  r.RequireTestsPass,
			ThresholdOverride: r.ConsensusThresholdOverride,
			Priority:          r.Priority,
		}
		if err := idsvc.SetBranchRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// Write serializes the config to repoRoot/.gitswarm/config.yml.
func Write(repoRoot string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	path := filepath.Join(repoRoot, filepath.FromSlash(FileName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
