package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/permengine/pkg/iam"
)

func snap(tenantID, userID string, version int64) *iam.Snapshot {
	return iam.InactiveSnapshot(tenantID, userID, version)
}

func TestLocal_GetPut(t *testing.T) {
	l := NewLocal(10, time.Minute)

	_, ok := l.Get(Key("t1", "u1", 1))
	assert.False(t, ok)

	s := snap("t1", "u1", 1)
	l.Put(Key("t1", "u1", 1), s)

	got, ok := l.Get(Key("t1", "u1", 1))
	assert.True(t, ok)
	assert.Same(t, s, got)

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.ItemCount)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestLocal_EvictTenant(t *testing.T) {
	l := NewLocal(10, time.Minute)
	l.Put(Key("t1", "u1", 1), snap("t1", "u1", 1))
	l.Put(Key("t1", "u2", 1), snap("t1", "u2", 1))
	l.Put(Key("t10", "u1", 1), snap("t10", "u1", 1))
	l.Put(Key("t2", "u1", 1), snap("t2", "u1", 1))

	assert.Equal(t, 2, l.EvictTenant("t1"))
	assert.Equal(t, 2, l.Len())

	// The prefix includes the separator, so t10 survives.
	_, ok := l.Get(Key("t10", "u1", 1))
	assert.True(t, ok)
	assert.Equal(t, 0, l.EvictTenant("t1"))
}

func TestLocal_EvictTenantRejectsAmbiguousIDs(t *testing.T) {
	l := NewLocal(10, time.Minute)
	l.Put(Key("a", "b:u1", 1), snap("a", "b:u1", 1))

	assert.Equal(t, 0, l.EvictTenant("a:b"))
	assert.Equal(t, 0, l.EvictTenant(""))
	assert.Equal(t, 1, l.Len())
}

func TestLocal_EvictOlderThan(t *testing.T) {
	l := NewLocal(10, time.Minute)
	l.Put(Key("t1", "u1", 1), snap("t1", "u1", 1))
	l.Put(Key("t1", "u1", 2), snap("t1", "u1", 2))
	l.Put(Key("t1", "u2", 3), snap("t1", "u2", 3))
	l.Put(Key("t2", "u1", 1), snap("t2", "u1", 1))

	assert.Equal(t, 2, l.EvictOlderThan("t1", 3))
	assert.Equal(t, 2, l.Len())
	assert.ElementsMatch(t, []string{"t1", "t2"}, l.TenantIDs())
}

func TestLocal_TTLAndSize(t *testing.T) {
	l := NewLocal(2, 20*time.Millisecond)
	l.Put("a", snap("t", "a", 1))
	l.Put("b", snap("t", "b", 1))
	l.Put("c", snap("t", "c", 1))
	assert.Equal(t, 2, l.Len())

	time.Sleep(60 * time.Millisecond)
	_, ok := l.Get("c")
	assert.False(t, ok)
}
