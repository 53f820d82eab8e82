package port

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) (*Allocator, *registry.Store, *testutil.Prober) {
	t.Helper()
	store := testutil.NewStore(t, nil)
	prober := testutil.NewProber()
	testutil.Seed(t, store, testutil.Entry("feature-auth"), testutil.Entry("bugfix-login"))
	return NewAllocator(store, prober, nil, time.Second), store, prober
}

// TestAllocate_WebRangeScenario walks the [8000,8002] web range: three
// allocations in ascending order, exhaustion, and reuse of a released port.
func TestAllocate_WebRangeScenario(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	for _, want := range []int{8000, 8001, 8002} {
		alloc, err := a.Allocate(ctx, model.ServiceWeb, "feature-auth")
		require.NoError(t, err)
		assert.Equal(t, want, alloc.Port)
		assert.Equal(t, model.ServiceWeb, alloc.Service)
		assert.Equal(t, model.HealthUnknown, alloc.HealthStatus)
		assert.Contains(t, alloc.AllocatedBy, "@")
	}

	_, err := a.Allocate(ctx, model.ServiceWeb, "bugfix-login")
	require.ErrorIs(t, err, model.ErrResourceExhausted)
	var exhausted *model.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, model.PortRange{Start: 8000, End: 8002}, exhausted.Range)

	released, err := a.Release(ctx, 8001)
	require.NoError(t, err)
	assert.True(t, released)

	alloc, err := a.Allocate(ctx, model.ServiceWeb, "bugfix-login")
	require.NoError(t, err)
	assert.Equal(t, 8001, alloc.Port)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{8000, 8002}, snap.Entry("feature-auth").Ports)
	assert.Equal(t, []int{8001}, snap.Entry("bugfix-login").Ports)
}

// TestAllocate_SkipsPortsHeldByOtherProcesses verifies that registry
// absence alone does not make a port allocatable.
func TestAllocate_SkipsPortsHeldByOtherProcesses(t *testing.T) {
	a, _, prober := newTestAllocator(t)
	prober.Bind(8000, 4242, "/srv/other")

	alloc, err := a.Allocate(context.Background(), model.ServiceWeb, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, 8001, alloc.Port)
}

func TestAllocate_RetriesTransientProbeFailures(t *testing.T) {
	a, _, prober := newTestAllocator(t)
	prober.Flaky[8000] = 2

	alloc, err := a.Allocate(context.Background(), model.ServiceWeb, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, 8000, alloc.Port)
}

func TestAllocate_Errors(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	ctx := context.Background()

	_, err := a.Allocate(ctx, model.ServiceWeb, "feature-ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = a.Allocate(ctx, model.ServiceCache, "feature-auth")
	assert.ErrorIs(t, err, model.ErrValidation, "cache has no range in the test config")
}

func TestAllocate_WithinRange(t *testing.T) {
	a, _, _ := newTestAllocator(t)
	r := testutil.Ranges[model.ServiceAPI]

	for range 10 {
		alloc, err := a.Allocate(context.Background(), model.ServiceAPI, "feature-auth")
		require.NoError(t, err)
		assert.True(t, r.Contains(alloc.Port), "port %d outside %s", alloc.Port, r)
	}
}

// TestRelease_RoundTrip checks that Release(Allocate(svc)) restores the
// prior free-port count.
func TestRelease_RoundTrip(t *testing.T) {
	a, _, prober := newTestAllocator(t)
	ctx := context.Background()
	prober.Bind(8150, 0, "")

	before, err := a.FreeCount(ctx, model.ServiceAPI)
	require.NoError(t, err)
	assert.Equal(t, 99, before)

	alloc, err := a.Allocate(ctx, model.ServiceAPI, "feature-auth")
	require.NoError(t, err)

	during, err := a.FreeCount(ctx, model.ServiceAPI)
	require.NoError(t, err)
	assert.Equal(t, before-1, during)

	_, err = a.Release(ctx, alloc.Port)
	require.NoError(t, err)

	after, err := a.FreeCount(ctx, model.ServiceAPI)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRelease_Idempotent(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	before, err := store.Snapshot(ctx)
	require.NoError(t, err)

	released, err := a.Release(ctx, 8000)
	require.NoError(t, err)
	assert.False(t, released)

	after, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version, "releasing a free port must not write")
}

// TestAllocate_Concurrent runs allocators in parallel against one store;
// every port must be handed out at most once.
func TestAllocate_Concurrent(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ports []int
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := a.Allocate(ctx, model.ServiceAPI, "feature-auth")
			if err != nil {
				return
			}
			mu.Lock()
			ports = append(ports, alloc.Port)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.NotEmpty(t, ports)
	seen := map[int]bool{}
	for _, p := range ports {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
	}

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Allocations, len(ports))
	assert.Empty(t, registry.Validate(snap, store.Ranges(), store.TrunkDir()))
}

// TestPlan_DistinctPortsPerService verifies that one plan never reuses a
// port across services and writes nothing.
func TestPlan_DistinctPortsPerService(t *testing.T) {
	a, store, _ := newTestAllocator(t)
	ctx := context.Background()

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)

	allocs, err := a.Plan(ctx, snap, "feature-auth", []model.Service{model.ServiceWeb, model.ServiceWeb, model.ServiceAPI})
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	assert.Equal(t, 8000, allocs[0].Port)
	assert.Equal(t, 8001, allocs[1].Port)
	assert.Equal(t, 8100, allocs[2].Port)

	after, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snap.Version, after.Version)
}
