package repocfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/types"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, found, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("found = true for missing file")
	}
	want := Default()
	if cfg.MergeMode != want.MergeMode || cfg.ConsensusThreshold != want.ConsensusThreshold {
		t.Errorf("missing file should yield defaults, got %+v", cfg)
	}
}

func TestWriteLoadRoundtrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.MergeMode = types.MergeModeSwarm
	cfg.OwnershipModel = types.OwnershipOpen
	cfg.ConsensusThreshold = 0.75
	cfg.StabilizeCommand = "go test ./..."
	cfg.MergeQueue.BatchSize = 5
	cfg.BranchRules = []BranchRule{
		{Pattern: "main", DirectPush: "none", RequiredApprovals: 2},
		{Pattern: "release/*", DirectPush: "maintainers", Priority: 10},
	}

	if err := Write(root, cfg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, found, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("found = false after Write")
	}
	if got.MergeMode != cfg.MergeMode {
		t.Errorf("merge_mode = %q, want %q", got.MergeMode, cfg.MergeMode)
	}
	if got.ConsensusThreshold != cfg.ConsensusThreshold {
		t.Errorf("consensus_threshold = %v, want %v", got.ConsensusThreshold, cfg.ConsensusThreshold)
	}
	if got.StabilizeCommand != cfg.StabilizeCommand {
		t.Errorf("stabilize_command = %q, want %q", got.StabilizeCommand, cfg.StabilizeCommand)
	}
	if got.MergeQueue.BatchSize != 5 {
		t.Errorf("merge_queue.batch_size = %d, want 5", got.MergeQueue.BatchSize)
	}
	if len(got.BranchRules) != 2 || got.BranchRules[0].Pattern != "main" {
		t.Errorf("branch rules did not survive roundtrip: %+v", got.BranchRules)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, filepath.FromSlash(FileName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("merge_mode: [not a string"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, found, err := Load(root)
	if !found {
		t.Error("found = false for existing malformed file")
	}
	if !errkind.Is(err, errkind.InvalidInput) {
		t.Errorf("error kind = %v, want invalid_input", errkind.KindOf(err))
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, filepath.FromSlash(FileName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("merge_mode: swarm\nownership_model: solo\nconsensus_threshold: 0.5\nmin_reviews: 1\nhuman_review_weight: 1.5\nbuffer_branch: buffer\npromote_target: main\nauto_revert_on_red: true\nstabilize_timeout_seconds: 600\nmerge_queue:\n  batch_size: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MergeMode != types.MergeModeSwarm {
		t.Errorf("merge_mode = %q, want swarm", cfg.MergeMode)
	}
	if cfg.StabilizeTimeoutSeconds != 600 {
		t.Errorf("stabilize_timeout_seconds = %d, want 600", cfg.StabilizeTimeoutSeconds)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"unknown merge mode", func(c *Config) { c.MergeMode = "anarchy" }, false},
		{"unknown ownership model", func(c *Config) { c.OwnershipModel = "feudal" }, false},
		{"threshold above one", func(c *Config) { c.ConsensusThreshold = 1.5 }, false},
		{"negative threshold", func(c *Config) { c.ConsensusThreshold = -0.1 }, false},
		{"zero min reviews", func(c *Config) { c.MinReviews = 0 }, false},
		{"negative human weight", func(c *Config) { c.HumanReviewWeight = -1 }, false},
		{"zero stabilize timeout", func(c *Config) { c.StabilizeTimeoutSeconds = 0 }, false},
		{"zero batch size", func(c *Config) { c.MergeQueue.BatchSize = 0 }, false},
		{"empty branch rule pattern", func(c *Config) {
			c.BranchRules = []BranchRule{{Pattern: ""}}
		}, false},
		{"bad direct push", func(c *Config) {
			c.BranchRules = []BranchRule{{Pattern: "main", DirectPush: "everyone"}}
		}, false},
		{"bad threshold override", func(c *Config) {
			over := 2.0
			c.BranchRules = []BranchRule{{Pattern: "main", ConsensusThresholdOverride: &over}}
		}, false},
		{"valid branch rule", func(c *Config) {
			over := 0.9
			c.BranchRules = []BranchRule{{Pattern: "release/*", DirectPush: "maintainers", ConsensusThresholdOverride: &over}}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestWriteRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.MergeMode = "bogus"
	if err := Write(t.TempDir(), cfg); err == nil {
		t.Error("Write should reject an invalid config")
	}
}
