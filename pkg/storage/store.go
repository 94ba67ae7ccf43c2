package storage

import (
	"github.com/drover-io/drover/pkg/types"
)

// Store defines the interface for engine state storage. All reads and
// writes are tenant scoped; background jobs iterate tenants via
// ListTenants.
type Store interface {
	// Targets
	CreateTarget(target *types.Target) error
	GetTarget(tenant, id string) (*types.Target, error)
	ListTargets(tenant string) ([]*types.Target, error)
	ListTargetsPage(tenant string, offset, limit int) ([]*types.Target, int, error)
	UpdateTarget(target *types.Target) error

	// Distribution sets
	CreateDistributionSet(set *types.DistributionSet) error
	GetDistributionSet(tenant, id string) (*types.DistributionSet, error)
	ListDistributionSets(tenant string) ([]*types.DistributionSet, error)

	// Actions
	CreateAction(action *types.Action) error
	GetAction(tenant, id string) (*types.Action, error)
	UpdateAction(action *types.Action) error
	ListActionsByTarget(tenant, targetID string) ([]*types.Action, error)
	ListActionsByGroup(tenant, groupID string) ([]*types.Action, error)
	ListActionsByRollout(tenant, rolloutID string) ([]*types.Action, error)
	GetActiveUpdateAction(tenant, targetID string) (*types.Action, error)

	// Action status history (append-only)
	AppendActionStatus(status *types.ActionStatus) error
	ListActionStatuses(tenant, actionID string) ([]*types.ActionStatus, error)

	// Rollouts
	CreateRollout(rollout *types.Rollout) error
	GetRollout(tenant, id string) (*types.Rollout, error)
	UpdateRollout(rollout *types.Rollout) error
	// UpdateRolloutCAS persists the rollout only if the stored version
	// still equals expectedVersion, bumping the version on success. A
	// lost race returns types.ErrConflict.
	UpdateRolloutCAS(rollout *types.Rollout, expectedVersion int64) error
	ListRollouts(tenant string) ([]*types.Rollout, error)

	// Rollout groups
	CreateRolloutGroup(group *types.RolloutGroup) error
	GetRolloutGroup(tenant, id string) (*types.RolloutGroup, error)
	UpdateRolloutGroup(group *types.RolloutGroup) error
	ListRolloutGroups(tenant, rolloutID string) ([]*types.RolloutGroup, error)

	// Target filters
	CreateTargetFilter(filter *types.TargetFilter) error
	GetTargetFilter(tenant, id string) (*types.TargetFilter, error)
	UpdateTargetFilter(filter *types.TargetFilter) error
	DeleteTargetFilter(tenant, id string) error
	ListTargetFilters(tenant string) ([]*types.TargetFilter, error)

	// Tenancy
	ListTenants() ([]string, error)

	// Utility
	Close() error
}
