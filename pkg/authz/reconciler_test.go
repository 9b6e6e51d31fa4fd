package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/observability"
)

type versionMap struct {
	mu       sync.Mutex
	versions map[string]int64
	errs     map[string]error
}

func (v *versionMap) TenantVersion(ctx context.Context, tenantID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.errs[tenantID]; err != nil {
		return 0, err
	}
	version, ok := v.versions[tenantID]
	if !ok {
		return 0, iam.ErrTenantNotFound
	}
	return version, nil
}

func putSnapshot(local *cache.Local, tenantID, userID string, version int64) {
	local.Put(cache.Key(tenantID, userID, version), iam.InactiveSnapshot(tenantID, userID, version))
}

func TestReconciler_RunOnce(t *testing.T) {
	local := cache.NewLocal(100, time.Minute)
	putSnapshot(local, "t1", "u1", 1)
	putSnapshot(local, "t1", "u2", 2)
	putSnapshot(local, "t1", "u3", 3)
	putSnapshot(local, "t2", "u1", 5)
	putSnapshot(local, "gone", "u1", 1)
	putSnapshot(local, "flaky", "u1", 1)

	versions := &versionMap{
		versions: map[string]int64{"t1": 3, "t2": 5, "flaky": 9},
		errs:     map[string]error{"flaky": errors.New("timeout")},
	}
	rec := newRecorder()
	r := NewReconciler(local, versions, rec, observability.NopLogger())

	evicted, err := r.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, 3, evicted, "two stale t1 entries plus the deleted tenant")
	assert.Equal(t, 3, rec.evictions["reconcile"])

	_, ok := local.Get(cache.Key("t1", "u3", 3))
	assert.True(t, ok, "current version kept")
	_, ok = local.Get(cache.Key("t2", "u1", 5))
	assert.True(t, ok)
	_, ok = local.Get(cache.Key("flaky", "u1", 1))
	assert.True(t, ok, "unreadable tenants are left alone")
	assert.Equal(t, 3, local.Len())
}

func TestReconciler_EmptyCache(t *testing.T) {
	r := NewReconciler(cache.NewLocal(10, time.Minute), &versionMap{}, nil, nil)

	evicted, err := r.RunOnce(context.Background())

	assert.NoError(t, err)
	assert.Zero(t, evicted)
}

func TestReconciler_Schedule(t *testing.T) {
	local := cache.NewLocal(10, time.Minute)
	putSnapshot(local, "t1", "u1", 1)
	versions := &versionMap{versions: map[string]int64{"t1": 2}}
	r := NewReconciler(local, versions, nil, nil)

	assert.Error(t, r.Start(context.Background(), "not a schedule"))

	require.NoError(t, r.Start(context.Background(), "@every 1s"))
	require.Eventually(t, func() bool { return local.Len() == 0 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}

func TestReconciler_StopWithoutStart(t *testing.T) {
	r := NewReconciler(cache.NewLocal(10, time.Minute), &versionMap{}, nil, nil)
	assert.NoError(t, r.Stop(context.Background()))
}
