/*
Package rollout implements staged campaign progression over a device fleet.

A rollout freezes a target population at creation time, splits it into an
ordered sequence of disjoint groups, and then advances group by group: a
group's member actions are only created when the group starts, and the next
group starts only once the current one satisfies its success condition.

# Architecture

	┌─────────────────── ROLLOUT ENGINE ────────────────────┐
	│                                                         │
	│  ┌──────────────┐   materializes   ┌───────────────┐  │
	│  │ Partitioner  │─────────────────▶│ RolloutGroups │  │
	│  └──────────────┘                   └───────┬───────┘  │
	│                                             │           │
	│  ┌──────────────┐   group actions   ┌──────▼───────┐  │
	│  │ Orchestrator │◀─────────────────▶│ action.Machine│  │
	│  └──────┬───────┘                   └──────────────┘  │
	│         │ ticker + terminal action events              │
	│  ┌──────▼───────┐                                      │
	│  │  Evaluator   │  hold / advance / fail               │
	│  └──────────────┘                                      │
	└────────────────────────────────────────────────────────┘

The Orchestrator owns the rollout lifecycle (creating, ready, running,
paused, finished, error, stopped) and runs a single evaluation loop. The
loop fires on a fixed interval and opportunistically whenever an action
owned by a rollout reaches a terminal state, so small fleets advance
without waiting out the ticker.

# Concurrency

Evaluation is guarded twice. A per-rollout mutex serializes evaluations
within the process, and every advancement is fenced by a compare-and-swap
on the rollout's version in the store. A writer that loses the version
race treats the conflict as a no-op and lets the next cycle observe the
advanced state, so double-advancing a group is impossible even with
overlapping cycles.

# Group conditions

The Evaluator is pure integer arithmetic over the group's action counts.
A group advances once finished*100 >= successThreshold*total and fails
once errored*100 > errorThreshold*total, evaluated in that order with
the error condition first. Thresholds come from the group, defaulted
from the rollout definition at creation.
*/
package rollout
