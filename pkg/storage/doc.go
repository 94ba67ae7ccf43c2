/*
Package storage provides BoltDB-backed persistence for the rollout engine.

The package implements the Store interface using bbolt, serializing every
entity as JSON into per-entity buckets. All keys are "<tenant>/<id>" so a
tenant's entities are one prefix scan and cross-tenant isolation falls out
of the key layout rather than query discipline.

# Buckets

	targets            Target            (soft-deleted rows filtered on list)
	distribution_sets  DistributionSet
	actions            Action            (never deleted, audit trail)
	action_statuses    ActionStatus      key: tenant/action/timestamp/id
	rollouts           Rollout           (soft-deleted rows filtered on list)
	rollout_groups     RolloutGroup      (listed sorted by group index)
	target_filters     TargetFilter

Action status entries embed the action ID and timestamp in the key, so the
append-only history of one action is an ordered prefix scan with no
secondary index.

# Optimistic concurrency

Rollouts carry a version counter. UpdateRolloutCAS re-reads the stored row
inside the write transaction, compares versions, and either persists with
the version bumped or fails with types.ErrConflict. This is the fence the
rollout evaluator relies on to make concurrent group advancement safe;
every other entity uses plain last-writer-wins upserts.

ListTenants derives the tenant set from the key prefixes of the rollout,
target and filter buckets, which is what the background loops iterate.
*/
package storage
