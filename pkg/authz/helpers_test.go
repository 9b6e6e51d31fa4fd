package authz

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/iam/cache"
	"github.com/platinummonkey/permengine/pkg/iam/iamtest"
	"github.com/platinummonkey/permengine/pkg/observability"
)

type recorder struct {
	mu            sync.Mutex
	builds        int
	decisions     []string
	evictions     map[string]int
	invalidations map[string]int
}

func newRecorder() *recorder {
	return &recorder{evictions: map[string]int{}, invalidations: map[string]int{}}
}

func (r *recorder) RecordCacheLookup(string, bool)  {}
func (r *recorder) RecordCacheError(string, string) {}

func (r *recorder) RecordBuild(time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds++
}

func (r *recorder) RecordDecision(effect, reason string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, effect+"/"+reason)
}

func (r *recorder) RecordInvalidation(direction string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidations[direction]++
}

func (r *recorder) RecordEviction(reason string, evicted, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictions[reason] += evicted
}

func (r *recorder) buildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds
}

type harness struct {
	store    *iamtest.Store
	tiered   *cache.Tiered
	service  *Service
	recorder *recorder
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store := iamtest.Fixture()
	rec := newRecorder()
	logs := &bytes.Buffer{}
	logger := observability.NewLogger(observability.DebugLevel, logs)

	tiered := cache.NewTiered(cache.NewLocal(100, time.Minute),
		cache.WithRecorder(rec),
		cache.WithLogger(logger),
	)
	builder := iam.NewBuilder(store, store)
	opts = append([]Option{WithRecorder(rec), WithLogger(logger)}, opts...)

	return &harness{
		store:    store,
		tiered:   tiered,
		service:  NewService(store, store, builder, tiered, opts...),
		recorder: rec,
		logs:     logs,
	}
}
