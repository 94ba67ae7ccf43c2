/*
Package config loads the server configuration from YAML over built-in
defaults: data directory, listen addresses, evaluation interval, sweep
schedule and log settings. Command-line flags override file values in
cmd/drover.
*/
package config
