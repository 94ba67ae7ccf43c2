/*
Package types defines the core domain model shared by all Drover packages.

The model follows the rollout domain: a Target is a remote device, a
DistributionSet is an immutable software bundle, an Action is one assignment
of a set to a target with an append-only ActionStatus history, and a Rollout
advances a filtered target population through ordered RolloutGroups.

Invariants encoded here rather than in the database:

  - At most one active update Action exists per target at any time.
  - Action states form a monotonic machine; Finished, Error and Canceled
    are terminal and Active is false only in those states.
  - RolloutGroup membership is frozen when the partitioner materializes
    the groups; only the group status and counters mutate afterwards.

The package also carries the error taxonomy (errors.go) used across the
engine and mapped to HTTP status codes by the management adapter.
*/
package types
