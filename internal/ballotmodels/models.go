// Package ballotmodels defines the persisted entities of the voting engine:
// Blockable, Vote, Rule, ChangeSet, User, and Host. Vote, Rule, and
// ChangeSet each carry an indexed BlockableID foreign key rather than
// relying on their primary key alone, because the engine's correctness
// depends on ancestor-scoped queries and in-effect/archived vote addressing.
package ballotmodels

import (
	"time"

	"ballotd/internal/permissions"
)

// InEffectVoteSubID is the reserved sub-id prefix under which the single
// in-effect vote for a (blockable, voter) pair is addressable;
// store.InEffectSubID appends ":" and the voter key. Archived votes (the
// losing side of a changed-mind vote, or votes swept aside by Reset) are
// re-keyed to a random sub-id so they fall out of in-effect queries but
// remain in the store for audit reads.
const InEffectVoteSubID = "in-effect"

// State is a Blockable's position in the voting state machine.
type State string

const (
	StateUntrusted             State = "UNTRUSTED"
	StateApprovedForLocalAllow State = "APPROVED_FOR_LOCAL_ALLOW"
	StateLimited               State = "LIMITED"
	StateGloballyAllowed       State = "GLOBALLY_ALLOWED"
	StateSuspect               State = "SUSPECT"
	StateBanned                State = "BANNED"
	StateSilentBanned          State = "SILENT_BANNED"
	StatePending               State = "PENDING"
)

// BannedFamily returns true for states in which the blockable is actively
// blacklisted and from which a plain vote cannot exit.
func (s State) BannedFamily() bool {
	return s == StateBanned || s == StateSilentBanned
}

// VotingProhibited returns true for states in which ordinary voting is
// disabled (admin action required to change state).
func (s State) VotingProhibited() bool {
	switch s {
	case StateBanned, StateSilentBanned, StateGloballyAllowed, StateLimited:
		return true
	default:
		return false
	}
}

// AdminOnly returns true for states that can only be entered or exited via
// an explicit admin action (Reset, or a MARK_MALWARE-capable vote).
func (s State) AdminOnly() bool {
	return s == StateSuspect || s == StatePending
}

// RulePolicy enumerates the kinds of rule mutation the engine can emit.
type RulePolicy string

const (
	PolicyAllow            RulePolicy = "ALLOW"
	PolicyDeny             RulePolicy = "DENY"
	PolicyRemove           RulePolicy = "REMOVE"
	PolicyForceInstaller   RulePolicy = "FORCE_INSTALLER"
	PolicyForceNotInstaller RulePolicy = "FORCE_NOT_INSTALLER"
)

// ChangeType mirrors RulePolicy for ChangeSet batches committed to the
// external Windows policy API.
type ChangeType string

const (
	ChangeAllow  ChangeType = "ALLOW"
	ChangeDeny   ChangeType = "DENY"
	ChangeRemove ChangeType = "REMOVE"
)

// Blockable is an artifact subject to a policy decision: a binary (content
// hash), a certificate (fingerprint), or a bundle (bundle identifier).
type Blockable struct {
	ID            string           `gorm:"column:id;primaryKey"`
	IDType        permissions.IDType `gorm:"column:id_type;index"`
	Platform      permissions.Platform `gorm:"column:platform;index"`
	RuleType      permissions.RuleType `gorm:"column:rule_type"`
	State         State            `gorm:"column:state;index"`
	Score         int64            `gorm:"column:score"`
	Flagged       bool             `gorm:"column:flagged"`
	IsInstaller   bool             `gorm:"column:is_installer"`
	CertificateID string           `gorm:"column:certificate_id;index"`
	BundleID      string           `gorm:"column:bundle_id;index"`
	Notes         string           `gorm:"column:notes"`
	FirstSeenDT   time.Time        `gorm:"column:first_seen_dt"`
	UpdatedDT     time.Time        `gorm:"column:updated_dt"`
	StateChangeDT time.Time        `gorm:"column:state_change_dt"`
}

// TableName pins the gorm table name so it does not depend on pluralization
// rules for a name that is also a Go identifier elsewhere in the package.
func (Blockable) TableName() string { return "blockables" }

// Vote records a single (blockable, voter) decision. At most one vote per
// (blockable, voter) is in-effect; see InEffectVoteSubID.
type Vote struct {
	BlockableID   string                `gorm:"column:blockable_id;primaryKey"`
	SubID         string                `gorm:"column:sub_id;primaryKey"`
	UserKey       string                `gorm:"column:user_key;index"`
	WasYesVote    bool                  `gorm:"column:was_yes_vote"`
	Weight        int64                 `gorm:"column:weight"`
	InEffect      bool                  `gorm:"column:in_effect;index"`
	CandidateType permissions.RuleType  `gorm:"column:candidate_type"`
	RecordedDT    time.Time             `gorm:"column:recorded_dt"`
}

func (Vote) TableName() string { return "votes" }

// EffectiveWeight returns +weight for a yes vote, -weight for a no vote.
func (v Vote) EffectiveWeight() int64 {
	if v.WasYesVote {
		return v.Weight
	}
	return -v.Weight
}

// Rule is a concrete allow/deny decision materialized for enforcement by
// managed endpoints.
type Rule struct {
	ID          string               `gorm:"column:id;primaryKey"`
	BlockableID string               `gorm:"column:blockable_id;index"`
	RuleType    permissions.RuleType `gorm:"column:rule_type"`
	Policy      RulePolicy           `gorm:"column:policy"`
	InEffect    bool                 `gorm:"column:in_effect;index"`
	HostID      string               `gorm:"column:host_id;index"`
	UserKey     string               `gorm:"column:user_key"`
	IsCommitted bool                 `gorm:"column:is_committed"`
	IsFulfilled bool                 `gorm:"column:is_fulfilled"`
	CreatedDT   time.Time            `gorm:"column:created_dt"`
	UpdatedDT   time.Time            `gorm:"column:updated_dt"`
}

func (Rule) TableName() string { return "rules" }

// IsGlobal reports whether the rule applies fleet-wide rather than to one
// endpoint.
func (r Rule) IsGlobal() bool { return r.HostID == "" }

// ChangeSet is a durable batch of rule mutations awaiting a remote commit to
// the Windows external policy API.
type ChangeSet struct {
	ID          string     `gorm:"column:id;primaryKey"`
	BlockableID string     `gorm:"column:blockable_id;index"`
	RuleIDs     []string   `gorm:"-"`
	RuleIDsRaw  string     `gorm:"column:rule_ids"`
	ChangeType  ChangeType `gorm:"column:change_type"`
	CreatedDT   time.Time  `gorm:"column:created_dt"`
}

func (ChangeSet) TableName() string { return "change_sets" }

// User carries the subset of identity attributes the engine consults:
// voting weight and capability permissions. Permissions are read-only from
// the engine's perspective — role/permission management is out of scope.
type User struct {
	Key         string                  `gorm:"column:key;primaryKey"`
	Email       string                  `gorm:"column:email;index"`
	VoteWeight  int64                   `gorm:"column:vote_weight"`
	Permissions []permissions.Permission `gorm:"-"`
	PermRaw     string                  `gorm:"column:permissions"`
}

func (User) TableName() string { return "users" }

// HasPermission reports whether the user holds p.
func (u User) HasPermission(p permissions.Permission) bool {
	return permissions.HasPermission(u.Permissions, p)
}

// Host represents a managed endpoint. The engine only reads hosts, to
// answer the host-selector query.
type Host struct {
	ID           string    `gorm:"column:id;primaryKey"`
	Platform     permissions.Platform `gorm:"column:platform;index"`
	PrimaryUser  string    `gorm:"column:primary_user;index"`
	Users        []string  `gorm:"-"`
	UsersRaw     string    `gorm:"column:users"`
	Hidden       bool      `gorm:"column:hidden"`
	SyncPercent  int       `gorm:"column:sync_percent"`
	LastSyncDT   time.Time `gorm:"column:last_sync_dt"`
}

func (Host) TableName() string { return "hosts" }

// Healthy reports whether the host has synced recently enough and
// thoroughly enough for the committer to trust an "absent" fileInstance
// response as meaning "not installed yet" rather than "sync is stale".
func (h Host) Healthy(now time.Time, freshness time.Duration, minSyncPercent int) bool {
	if h.SyncPercent < minSyncPercent {
		return false
	}
	return now.Sub(h.LastSyncDT) <= freshness
}
