// Package types holds the entities and enumerations shared across the
// federation engine. All identifiers are canonical 36-char dashed strings.
package types

import "time"

// Agent status values.
const (
	AgentActive    = "active"
	AgentSuspended = "suspended"
)

// Merge modes.
const (
	MergeModeSwarm  = "swarm"
	MergeModeReview = "review"
	MergeModeGated  = "gated"
)

// Ownership models.
const (
	OwnershipSolo  = "solo"
	OwnershipGuild = "guild"
	OwnershipOpen  = "open"
)

// Agent access modes.
const (
	AccessPublic         = "public"
	AccessKarmaThreshold = "karma_threshold"
	AccessAllowlist      = "allowlist"
)

// Repo stages, monotonic.
const (
	StageSeed        = "seed"
	StageGrowth      = "growth"
	StageEstablished = "established"
	StageMature      = "mature"
)

// StageRank orders stages for the monotonicity check.
var StageRank = map[string]int{
	StageSeed:        0,
	StageGrowth:      1,
	StageEstablished: 2,
	StageMature:      3,
}

// Consensus authorities.
const (
	AuthorityLocal  = "local"
	AuthorityServer = "server"
)

// Stream statuses.
const (
	StreamActive     = "active"
	StreamInReview   = "in_review"
	StreamMerged     = "merged"
	StreamAbandoned  = "abandoned"
	StreamConflicted = "conflicted"
)

// Review statuses on a stream.
const (
	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

// Stream sources.
const (
	SourceCLI        = "cli"
	SourceAPI        = "api"
	SourceExternalPR = "external_pr"
)

// Review verdicts.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
	VerdictComment        = "comment"
)

// Permission levels, ordered weakest to strongest.
const (
	LevelNone     = "none"
	LevelRead     = "read"
	LevelWrite    = "write"
	LevelMaintain = "maintain"
	LevelAdmin    = "admin"
)

// LevelRank orders permission levels for comparisons.
var LevelRank = map[string]int{
	LevelNone:     0,
	LevelRead:     1,
	LevelWrite:    2,
	LevelMaintain: 3,
	LevelAdmin:    4,
}

// Maintainer roles.
const (
	RoleOwner      = "owner"
	RoleMaintainer = "maintainer"
)

// Actions checked by CanPerform.
const (
	ActionRead     = "read"
	ActionWrite    = "write"
	ActionMerge    = "merge"
	ActionSettings = "settings"
	ActionDelete   = "delete"
)

// Task priorities and their queue ranks.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// PriorityRank maps a priority name to its merge queue rank. Council
// overrides may set arbitrary ranks outside this table.
var PriorityRank = map[string]int{
	PriorityCritical: 0,
	PriorityHigh:     25,
	PriorityMedium:   50,
	PriorityLow:      75,
}

// Stabilization results.
const (
	ResultGreen   = "green"
	ResultRed     = "red"
	ResultFlaky   = "flaky"
	ResultTimeout = "timeout"
)

// Promotion triggers.
const (
	TriggerAuto    = "auto"
	TriggerManual  = "manual"
	TriggerCouncil = "council"
)

// Task and claim statuses.
const (
	TaskOpen      = "open"
	TaskClaimed   = "claimed"
	TaskDone      = "done"
	TaskCancelled = "cancelled"

	ClaimActive    = "active"
	ClaimSubmitted = "submitted"
	ClaimApproved  = "approved"
	ClaimRejected  = "rejected"
	ClaimAbandoned = "abandoned"
)

// Sync event types recorded in the offline queue.
const (
	EventStreamCreated    = "stream_created"
	EventStreamInReview   = "stream_in_review"
	EventStreamAbandoned  = "stream_abandoned"
	EventCommit           = "commit"
	EventReview           = "review"
	EventConsensusReached = "consensus_reached"
	EventMergeRequested   = "merge_requested"
	EventMergeCompleted   = "merge_completed"
	EventStabilization    = "stabilization"
	EventPromotion        = "promotion"
	EventTaskSubmission   = "task_submission"
	EventCouncilProposal  = "council_proposal"
	EventCouncilVote      = "council_vote"
	EventStageProgression = "stage_progression"
	EventPluginExecuted   = "plugin_executed"
	EventPluginWarning    = "plugin_warning"
)

// Agent is a registered actor. Never deleted, only suspended.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Karma     int64     `json:"karma"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo carries both repo-owned policy (authoritative from
// .gitswarm/config.yml) and server-owned governance state.
type Repo struct {
	ID                      string  `json:"id"`
	Name                    string  `json:"name"`
	OrgID                   string  `json:"org_id,omitempty"`
	MergeMode               string  `json:"merge_mode"`
	OwnershipModel          string  `json:"ownership_model"`
	ConsensusThreshold      float64 `json:"consensus_threshold"`
	MinReviews              int     `json:"min_reviews"`
	HumanReviewWeight       float64 `json:"human_review_weight"`
	AgentAccess             string  `json:"agent_access"`
	MinKarma                int64   `json:"min_karma"`
	IsPrivate               bool    `json:"is_private"`
	HasConfigFile           bool    `json:"has_config_file"`
	BufferBranch            string  `json:"buffer_branch"`
	PromoteTarget           string  `json:"promote_target"`
	AutoPromoteOnGreen      bool    `json:"auto_promote_on_green"`
	AutoRevertOnRed         bool    `json:"auto_revert_on_red"`
	StabilizeCommand        string  `json:"stabilize_command"`
	StabilizeTimeoutSeconds int     `json:"stabilize_timeout_seconds"`
	Stage                   string  `json:"stage"`
	ConsensusAuthority      string  `json:"consensus_authority"`
}

// Stream is the policy row for a unit of work; the git mechanics provider
// holds the matching mechanics row under the same id.
type Stream struct {
	ID           string    `json:"id"`
	RepoID       string    `json:"repo_id"`
	AgentID      string    `json:"agent_id"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"base_branch"`
	TaskID       string    `json:"task_id,omitempty"`
	Status       string    `json:"status"`
	ReviewStatus string    `json:"review_status"`
	Source       string    `json:"source"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Review is one reviewer's current verdict on a stream. The most recent
// verdict per (stream, reviewer) wins.
type Review struct {
	ID         string    `json:"id"`
	StreamID   string    `json:"stream_id"`
	ReviewerID string    `json:"reviewer_id"`
	Verdict    string    `json:"verdict"`
	Feedback   string    `json:"feedback,omitempty"`
	IsHuman    bool      `json:"is_human"`
	Tested     bool      `json:"tested"`
	Superseded bool      `json:"superseded"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// BranchRule constrains pushes to branches matching a glob pattern.
type BranchRule struct {
	ID                string   `json:"id"`
	RepoID            string   `json:"repo_id"`
	BranchPattern     string   `json:"branch_pattern"`
	DirectPush        string   `json:"direct_push"`
	RequiredApprovals int      `json:"required_approvals"`
	RequireTestsPass  bool     `json:"require_tests_pass"`
	ThresholdOverride *float64 `json:"consensus_threshold_override,omitempty"`
	Priority          int      `json:"priority"`
}

// Task is a work advertisement.
type Task struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	CreatedBy   string    `json:"created_by,omitempty"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskClaim binds an agent to a task and to the stream fulfilling it.
type TaskClaim struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	StreamID  string    `json:"stream_id,omitempty"`
	Status    string    `json:"status"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// Stabilization records one run of the stabilize command against buffer.
type Stabilization struct {
	ID               string    `json:"id"`
	RepoID           string    `json:"repo_id"`
	Result           string    `json:"result"`
	BufferCommit     string    `json:"buffer_commit"`
	Tag              string    `json:"tag,omitempty"`
	BreakingStreamID string    `json:"breaking_stream_id,omitempty"`
	Details          string    `json:"details,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	StabilizedAt     time.Time `json:"stabilized_at"`
}

// Promotion records a fast-forward of the promote target.
type Promotion struct {
	ID         string    `json:"id"`
	RepoID     string    `json:"repo_id"`
	FromCommit string    `json:"from_commit"`
	ToCommit   string    `json:"to_commit"`
	Tag        string    `json:"tag,omitempty"`
	Trigger    string    `json:"trigger"`
	PromotedAt time.Time `json:"promoted_at"`
}

// QueueEntry is one stream waiting in the merge queue.
type QueueEntry struct {
	EnqueueSeq   int64     `json:"enqueue_seq"`
	RepoID       string    `json:"repo_id"`
	StreamID     string    `json:"stream_id"`
	PriorityRank int       `json:"priority_rank"`
	ConsensusAt  time.Time `json:"consensus_at"`
	RequestedBy  string    `json:"requested_by,omitempty"`
	Status       string    `json:"status"`
}

// Conflict records a merge conflict pending resolution.
type Conflict struct {
	ID           string    `json:"id"`
	StreamID     string    `json:"stream_id"`
	TargetBranch string    `json:"target_branch"`
	Files        []string  `json:"files"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// SyncEvent is one row of the offline queue awaiting replay.
type SyncEvent struct {
	Seq       int64     `json:"seq"`
	RepoID    string    `json:"repo_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Dead      bool      `json:"dead"`
}
