/*
Package sweeper implements periodic auto-assignment from target filters.

A TargetFilter with a non-empty AutoAssignSet is a standing order: any
target matching the filter's query should end up with that distribution
set. The sweeper runs on a cron schedule, re-evaluates every such filter
against the current fleet and assigns the set through the action state
machine, which makes the pass idempotent for free (already assigned or
installed targets produce no action).

Failures are isolated at every level: a broken tenant, a malformed stored
query or a failing target skips that item and the pass continues. The
sweeper deliberately knows nothing about rollouts; it shares only the
action machine with the orchestrator.
*/
package sweeper
