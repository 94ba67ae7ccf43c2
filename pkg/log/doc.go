/*
Package log provides structured logging for Drover using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with JSON output for production and a console writer for
development. Components derive child loggers with WithComponent and
attach the correlation fields (tenant, rollout_id, action_id, target_id)
per event.
*/
package log
