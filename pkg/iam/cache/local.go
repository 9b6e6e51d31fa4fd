package cache

import (
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// Local is the per-process tier: a bounded LRU with a short TTL
type Local struct {
	cache  *lru.LRU[string, *iam.Snapshot]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewLocal creates a local tier holding at most size snapshots for ttl each
func NewLocal(size int, ttl time.Duration) *Local {
	if size < 1 {
		size = 1
	}
	return &Local{
		cache: lru.NewLRU[string, *iam.Snapshot](size, nil, ttl),
	}
}

// Get returns the cached snapshot for key
func (l *Local) Get(key string) (*iam.Snapshot, bool) {
	snap, ok := l.cache.Get(key)
	if !ok {
		l.misses.Add(1)
		return nil, false
	}
	l.hits.Add(1)
	return snap, true
}

// Put stores a snapshot under key
func (l *Local) Put(key string, snap *iam.Snapshot) {
	l.cache.Add(key, snap)
}

// EvictTenant drops every entry of the tenant and returns how many were removed
func (l *Local) EvictTenant(tenantID string) int {
	if iam.ValidateTenantID(tenantID) != nil {
		return 0
	}
	prefix := TenantPrefix(tenantID)
	removed := 0
	for _, key := range l.cache.Keys() {
		if strings.HasPrefix(key, prefix) && l.cache.Remove(key) {
			removed++
		}
	}
	return removed
}

// EvictOlderThan drops the tenant's entries keyed below version
func (l *Local) EvictOlderThan(tenantID string, version int64) int {
	removed := 0
	for _, key := range l.cache.Keys() {
		t, _, v, ok := ParseKey(key)
		if ok && t == tenantID && v < version && l.cache.Remove(key) {
			removed++
		}
	}
	return removed
}

// TenantIDs lists the distinct tenants currently cached
func (l *Local) TenantIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, key := range l.cache.Keys() {
		if t, _, _, ok := ParseKey(key); ok && !seen[t] {
			seen[t] = true
			ids = append(ids, t)
		}
	}
	return ids
}

// Purge drops everything
func (l *Local) Purge() {
	l.cache.Purge()
}

// Len returns the number of cached snapshots
func (l *Local) Len() int {
	return l.cache.Len()
}

// Stats holds local tier counters
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int64   `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns hit/miss counters
func (l *Local) Stats() Stats {
	stats := Stats{
		Hits:      l.hits.Load(),
		Misses:    l.misses.Load(),
		ItemCount: int64(l.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
