// Package async provides panic-safe background execution.
//
// SafeGo runs a task in a goroutine with panic recovery, an optional
// timeout and error logging through the context logger. The invalidation
// bus subscriber loop runs under it for the lifetime of the process.
//
// Batch fans a function out over a slice with bounded concurrency and
// collects every error; the cache reconciler uses it to read tenant
// versions in parallel.
package async
