package types

import (
	"errors"
)

// Sentinel errors for the rollout and action domain. Callers classify with
// errors.Is; the management adapter maps them onto HTTP status codes.
var (
	// ErrNotFound is returned when a rollout, group, action, target,
	// distribution set or filter does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidQuerySyntax is returned for a malformed target filter
	// query, before any store access happens.
	ErrInvalidQuerySyntax = errors.New("invalid filter query syntax")

	// ErrEmptyRollout is returned when a rollout's filter query matches
	// zero targets.
	ErrEmptyRollout = errors.New("rollout filter matches no targets")

	// ErrInvalidGroupDefinition is returned for a group count <= 0,
	// percentages outside (0,100], or percentages that cannot exhaust
	// the population.
	ErrInvalidGroupDefinition = errors.New("invalid rollout group definition")

	// ErrIncompleteDistributionSet is returned when a distribution set
	// is missing mandatory software modules.
	ErrIncompleteDistributionSet = errors.New("distribution set is incomplete")

	// ErrIllegalRolloutState is returned when a lifecycle operation is
	// not legal from the rollout's current status.
	ErrIllegalRolloutState = errors.New("operation not allowed in current rollout state")

	// ErrIllegalActionState is returned for status transitions out of a
	// terminal action state.
	ErrIllegalActionState = errors.New("operation not allowed in current action state")

	// ErrActionNotCancelable is returned when cancel is called on an
	// action that is already canceling or terminal, or force-quit on an
	// action that is not canceling.
	ErrActionNotCancelable = errors.New("action is not cancelable")

	// ErrConflict is returned when an optimistic-version update loses a
	// race. The losing side re-reads and retries on the next cycle, it
	// is never surfaced to the operator.
	ErrConflict = errors.New("concurrent modification")
)
