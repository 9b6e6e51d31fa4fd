// Package config loads service configuration.
//
// Values are layered: Default, then an optional YAML file, then environment
// variables prefixed with PERMENGINE_ (for example PERMENGINE_REDIS_URL).
// Validate rejects fail-open in production and inconsistent cache timings.
//
// Watcher reloads the YAML file on change; the server uses it to adjust the
// log level without a restart.
package config
