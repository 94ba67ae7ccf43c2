/*
Package action implements the per-target assignment state machine.

An Action is one attempt to move one distribution set onto one target. The
Machine is the only writer of action state and of the target's assignment
pointers, so the engine-wide invariant of at most one active update action
per target is enforced in a single place, guarded by a per-target lock.

# State machine

	scheduled ─▶ running ─▶ retrieved ─▶ download ─▶ downloaded ─▶ finished
	                 │                                                ▲
	                 ├────────────────────────▶ error                 │
	                 ▼                                                │
	            canceling ─▶ canceled          cancel_rejected ───────┘
	                                           (back to running)

Progress states are ranked and only ever move forward; a stale or repeated
device report is appended to the history but never rewinds the action.
Finished, error and canceled are terminal: the action goes inactive and
only warning annotations are accepted afterwards.

Assigning a new set to a target that already has an active update action
transitions the old action to canceling first (the override rule), then
creates the new one. Re-assigning the set a target already has assigned or
installed is a silent no-op.

All device feedback enters through ReportStatus; the operator surface
(Cancel, ForceQuit, SwitchToForced) is synchronous and validates the
current state before touching anything.
*/
package action
