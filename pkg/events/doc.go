/*
Package events provides an in-memory broker for engine events.

Components publish lifecycle events (rollout transitions, group starts and
finishes, action creation and termination) to a single Broker; subscribers
receive every event over a buffered channel. Publishing never blocks: a
subscriber that falls behind its buffer simply misses events, which is
acceptable because every consumer treats events as hints and re-reads
authoritative state from the store.

The rollout orchestrator is the main consumer, using terminal action
events to evaluate a rollout immediately instead of waiting for the next
periodic cycle.
*/
package events
