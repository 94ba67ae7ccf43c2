/*
Package api exposes the management and device feedback HTTP surface.

All routes live under /api/v1/{tenant} and are a thin JSON layer over the
orchestrator, the action state machine and the store; no engine logic
lives in the handlers. Domain errors map onto status codes uniformly:

	types.ErrNotFound                           404
	validation errors (query, groups, sets)     400
	illegal state transitions                   405
	lost concurrency races                      409 (internal, rarely surfaced)

Device feedback arrives via PUT /actions/{id}/status and is the only
asynchronous input that advances action state. List endpoints support
offset/limit paging, and target listing additionally accepts a ?q= filter
query evaluated by the query package.
*/
package api
