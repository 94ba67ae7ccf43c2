package types

import (
	"time"
)

// Target represents a managed remote device, identified by its controller ID.
type Target struct {
	ID           string // controller ID, unique and immutable
	Tenant       string
	Name         string
	Description  string
	UpdateStatus TargetUpdateStatus
	LastSeen     time.Time
	Attributes   map[string]string

	// Assignment bookkeeping maintained by the action state machine.
	AssignedSet  string // distribution set currently assigned
	InstalledSet string // distribution set last reported installed
	InstalledAt  time.Time

	Deleted   bool // soft-delete, history keeps referencing the row
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TargetUpdateStatus represents the connectivity/update state of a target
type TargetUpdateStatus string

const (
	TargetStatusRegistered TargetUpdateStatus = "registered"
	TargetStatusPending    TargetUpdateStatus = "pending"
	TargetStatusInSync     TargetUpdateStatus = "in_sync"
	TargetStatusError      TargetUpdateStatus = "error"
	TargetStatusUnknown    TargetUpdateStatus = "unknown"
)

// SoftwareModule is one artifact bundle inside a distribution set
type SoftwareModule struct {
	ID      string
	Name    string
	Version string
	Kind    ModuleKind
}

// ModuleKind defines the module type slot a software module fills
type ModuleKind string

const (
	ModuleKindOS          ModuleKind = "os"
	ModuleKindFirmware    ModuleKind = "firmware"
	ModuleKindApplication ModuleKind = "application"
)

// DistributionSet is an immutable, versioned bundle of software modules.
// Once any action references it the content is frozen; changes ship as a
// new set with a new version.
type DistributionSet struct {
	ID            string
	Tenant        string
	Name          string
	Version       string
	Type          string // defines the mandatory module kind composition
	Modules       []*SoftwareModule
	RequiredKinds []ModuleKind // mandatory kinds for the set type
	Complete      bool         // all mandatory module kinds populated
	Deleted       bool
	CreatedAt     time.Time
}

// IsComplete reports whether every required module kind is populated.
func (ds *DistributionSet) IsComplete() bool {
	have := make(map[ModuleKind]bool, len(ds.Modules))
	for _, m := range ds.Modules {
		have[m.Kind] = true
	}
	for _, k := range ds.RequiredKinds {
		if !have[k] {
			return false
		}
	}
	return true
}

// Action is one assignment attempt of exactly one distribution set to
// exactly one target. Actions are never physically deleted, they are the
// audit trail.
type Action struct {
	ID        string
	Tenant    string
	TargetID  string
	SetID     string
	Kind      ActionKind
	Status    ActionState
	Active    bool // false only in a terminal state
	ForceType ForceType
	ForcedAt  time.Time // effective switch time for TIMEFORCED
	Weight    int       // multi-assignment ordering, higher wins

	// Owning rollout group, empty for direct and auto assignments.
	RolloutID string
	GroupID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionKind discriminates update from cancellation actions
type ActionKind string

const (
	ActionKindUpdate ActionKind = "update"
	ActionKindCancel ActionKind = "cancel"
)

// ForceType controls how aggressively a device applies an action
type ForceType string

const (
	ForceTypeSoft         ForceType = "soft"
	ForceTypeForced       ForceType = "forced"
	ForceTypeTimeForced   ForceType = "timeforced"
	ForceTypeDownloadOnly ForceType = "downloadonly"
)

// ActionState represents the state of an action
type ActionState string

const (
	ActionStateScheduled      ActionState = "scheduled"
	ActionStateRunning        ActionState = "running"
	ActionStateRetrieved      ActionState = "retrieved"
	ActionStateDownload       ActionState = "download"
	ActionStateDownloaded     ActionState = "downloaded"
	ActionStateFinished       ActionState = "finished"
	ActionStateError          ActionState = "error"
	ActionStateWarning        ActionState = "warning"
	ActionStateCanceling      ActionState = "canceling"
	ActionStateCanceled       ActionState = "canceled"
	ActionStateCancelRejected ActionState = "cancel_rejected"
)

// Terminal reports whether s is one of the three terminal action states.
func (s ActionState) Terminal() bool {
	return s == ActionStateFinished || s == ActionStateError || s == ActionStateCanceled
}

// ActionStatus is an append-only history entry for an action. Immutable
// once written.
type ActionStatus struct {
	ID       string
	Tenant   string
	ActionID string
	Status   ActionState
	Messages []string
	At       time.Time
}

// Rollout is a staged campaign assigning one distribution set to a
// filtered target population via ordered groups.
type Rollout struct {
	ID           string
	Tenant       string
	Name         string
	Description  string
	SetID        string
	Query        string // target filter query, frozen at creation
	ForceType    ForceType
	Status       RolloutStatus
	GroupCount   int
	TotalTargets int

	// Defaults applied to groups that do not override them.
	SuccessThreshold int // percent of finished actions required
	ErrorThreshold   int // percent of errored actions that fails the group

	// Version is bumped on every status mutation and checked by the
	// evaluator's compare-and-swap update.
	Version int64

	Deleted   bool
	CreatedAt time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// RolloutStatus represents the lifecycle state of a rollout
type RolloutStatus string

const (
	RolloutStatusCreating RolloutStatus = "creating"
	RolloutStatusReady    RolloutStatus = "ready"
	RolloutStatusRunning  RolloutStatus = "running"
	RolloutStatusPaused   RolloutStatus = "paused"
	RolloutStatusFinished RolloutStatus = "finished"
	RolloutStatusError    RolloutStatus = "error"
	RolloutStatusStopped  RolloutStatus = "stopped"
)

// RolloutGroup is an ordered, immutable-membership subset of a rollout's
// target population. Member actions are created when the group starts,
// not when the group is materialized.
type RolloutGroup struct {
	ID        string
	Tenant    string
	RolloutID string
	Index     int // 0..N-1, advancement is strictly ascending
	Name      string
	Status    GroupStatus
	Members   []string // target IDs, frozen at rollout creation

	SuccessThreshold int
	ErrorThreshold   int

	// Denormalized action counters, refreshed by the evaluator.
	TotalTargets int
	StatusCounts map[ActionState]int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// GroupStatus represents the state of a rollout group
type GroupStatus string

const (
	GroupStatusReady     GroupStatus = "ready"
	GroupStatusScheduled GroupStatus = "scheduled"
	GroupStatusRunning   GroupStatus = "running"
	GroupStatusFinished  GroupStatus = "finished"
	GroupStatusError     GroupStatus = "error"
)

// GroupSpec describes one group of an explicit rollout definition.
// Percent applies to the population still unassigned when the group is
// carved out; the final group absorbs any rounding remainder. Nil
// thresholds inherit the rollout's defaults, so an explicit zero stays
// distinguishable from an omitted condition.
type GroupSpec struct {
	Name             string
	Percent          int
	SuccessThreshold *int
	ErrorThreshold   *int
}

// TargetFilter is a persisted target filter query. When AutoAssignSet is
// non-empty the sweeper assigns that distribution set to every newly
// matching target.
type TargetFilter struct {
	ID              string
	Tenant          string
	Name            string
	Query           string
	AutoAssignSet   string
	AutoAssignForce ForceType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
