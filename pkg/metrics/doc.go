/*
Package metrics defines the Prometheus instrumentation for the engine.

All collectors are registered at init and exposed through Handler(). The
drover_* namespace covers fleet gauges (targets and rollouts by status,
refreshed each evaluation cycle), action machine counters, rollout
evaluation cycle counters and
durations, auto-assignment sweep counters and the per-route API request
counter.
*/
package metrics
