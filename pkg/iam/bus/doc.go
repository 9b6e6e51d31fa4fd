// Package bus broadcasts "tenant permissions changed" events to every
// running process.
//
// Publishers call Publish after the write that bumped the tenant's
// perm_version has committed. Each process subscribes once at startup and
// evicts its local cache for the tenant on every message.
//
// Delivery is an optimization. Cache keys embed the version and every tier
// has a TTL, so a missed message delays convergence but never serves a
// decision from an older version once the new version is read.
//
// RedisBus uses Redis pub/sub; MemoryBus stays inside the process.
package bus
