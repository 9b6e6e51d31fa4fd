// Package cache holds resolved permission snapshots in two tiers.
//
// Local is a bounded in-process LRU with a short TTL. Shared is a Redis tier
// reachable by every node. Tiered combines them behind Fetch, which checks
// the local tier, then the shared tier, then calls the supplied build
// function. Concurrent misses for the same key share one build.
//
// Keys embed the tenant perm_version ("snapshot:{tenant}:{user}:{version}"),
// so bumping the version makes every older entry unreachable without any
// delete. Eviction only reclaims memory.
package cache
