package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newChecker(t *testing.T, prober *testutil.Prober, ports ...int) (*Checker, *registry.Store) {
	t.Helper()
	store := testutil.NewStore(t, testutil.NewClock(now))
	testutil.Seed(t, store, testutil.Entry("feature-auth"))
	_, err := store.Mutate(context.Background(), func(d *registry.Document) error {
		for _, p := range ports {
			svc := model.ServiceWeb
			if p >= 8100 {
				svc = model.ServiceAPI
			}
			d.AddAllocation(model.PortAllocation{
				Port: p, WorktreeID: "feature-auth", Service: svc,
				AllocatedAt: now, AllocatedBy: "dev@host:1",
			})
		}
		return nil
	})
	require.NoError(t, err)

	c := NewChecker(store, prober, Options{
		Timeout:     time.Second,
		MaxElapsed:  100 * time.Millisecond,
		Concurrency: 4,
	})
	return c, store
}

func TestProbe_Tiers(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(p *testutil.Prober)
		svc      model.Service
		want     model.HealthStatus
		wantTier int
	}{
		{
			name:     "nothing listening",
			setup:    func(*testutil.Prober) {},
			want:     model.HealthNotRunning,
			wantTier: 1,
		},
		{
			name:     "listener without visible owner",
			setup:    func(p *testutil.Prober) { p.Bind(8000, 0, "") },
			want:     model.HealthUnhealthy,
			wantTier: 2,
		},
		{
			name:     "process does not answer",
			setup:    func(p *testutil.Prober) { p.Bind(8000, 42, "/work") },
			want:     model.HealthUnhealthy,
			wantTier: 3,
		},
		{
			name: "http answers",
			setup: func(p *testutil.Prober) {
				p.Bind(8000, 42, "/work")
				p.Healthy[8000] = true
			},
			want: model.HealthHealthy,
		},
		{
			name: "tcp service answers dial",
			svc:  model.ServiceDatabase,
			setup: func(p *testutil.Prober) {
				p.Bind(8000, 42, "/work")
				p.Healthy[8000] = true
			},
			want: model.HealthHealthy,
		},
		{
			name: "transient failure is retried",
			setup: func(p *testutil.Prober) {
				p.Bind(8000, 42, "/work")
				p.Healthy[8000] = true
				p.Flaky[8000] = 1
			},
			want: model.HealthHealthy,
		},
		{
			name:     "bind check keeps failing",
			setup:    func(p *testutil.Prober) { p.Flaky[8000] = 1000 },
			want:     model.HealthUnknown,
			wantTier: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := testutil.NewProber()
			tt.setup(prober)
			c, _ := newChecker(t, prober)

			svc := tt.svc
			if svc == "" {
				svc = model.ServiceWeb
			}
			res := c.Probe(context.Background(), model.PortAllocation{Port: 8000, WorktreeID: "feature-auth", Service: svc})
			assert.Equal(t, tt.want, res.Status, res.Detail)
			assert.Equal(t, tt.wantTier, res.Tier)
		})
	}
}

func TestSweep_RecordsResults(t *testing.T) {
	prober := testutil.NewProber()
	prober.Bind(8000, 42, "/work")
	prober.Healthy[8000] = true
	prober.Bind(8100, 0, "")

	c, store := newChecker(t, prober, 8000, 8001, 8100)
	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 3)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	want := map[int]model.HealthStatus{
		8000: model.HealthHealthy,
		8001: model.HealthNotRunning,
		8100: model.HealthUnhealthy,
	}
	for port, status := range want {
		a := snap.Allocation(port)
		require.NotNil(t, a)
		assert.Equal(t, status, a.HealthStatus, "port %d", port)
		assert.Equal(t, now, a.CheckedAt)
	}
	assert.Equal(t, 42, snap.Allocation(8000).ProcessID)
}

func TestSweep_EmptyRegistryDoesNotWrite(t *testing.T) {
	c, store := newChecker(t, testutil.NewProber())
	before, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	results, err := c.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	after, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

// cancellingProber cancels the sweep when it is asked about one port.
type cancellingProber struct {
	*testutil.Prober
	port   int
	cancel context.CancelFunc
}

func (p *cancellingProber) IsPortFree(ctx context.Context, port int) (bool, error) {
	if port == p.port {
		p.cancel()
	}
	return p.Prober.IsPortFree(ctx, port)
}

// TestSweep_CancelledKeepsProcessedResults cancels while the second of
// three allocations is probed: the first result is still written and the
// rest are left alone.
func TestSweep_CancelledKeepsProcessedResults(t *testing.T) {
	inner := testutil.NewProber()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, store := newChecker(t, inner, 8000, 8001, 8002)
	c.prober = &cancellingProber{Prober: inner, port: 8001, cancel: cancel}
	c.opts.Concurrency = 1

	results, err := c.Sweep(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.Equal(t, 8000, results[0].Port)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HealthNotRunning, snap.Allocation(8000).HealthStatus)
	assert.Equal(t, model.HealthUnknown, snap.Allocation(8001).HealthStatus)
	assert.Equal(t, model.HealthUnknown, snap.Allocation(8002).HealthStatus)
}

// slowProcessTable fails the first n process lookups transiently.
type slowProcessTable struct {
	*testutil.Prober
	n     int
	calls int
}

func (p *slowProcessTable) ListeningPID(ctx context.Context, port int) (int, bool, error) {
	p.calls++
	if p.calls <= p.n {
		return 0, false, oracle.Transient(errors.New("lsof timed out"))
	}
	return p.Prober.ListeningPID(ctx, port)
}

func TestChecker_RetriesProcessLookup(t *testing.T) {
	inner := testutil.NewProber()
	inner.Bind(8000, 42, "/work")
	inner.Healthy[8000] = true

	c, _ := newChecker(t, inner)
	table := &slowProcessTable{Prober: inner, n: 1}
	c.prober = table

	res := c.Probe(context.Background(), model.PortAllocation{Port: 8000, WorktreeID: "feature-auth", Service: model.ServiceWeb})
	assert.Equal(t, model.HealthHealthy, res.Status, res.Detail)
	assert.Equal(t, 42, res.PID)
	assert.Equal(t, 2, table.calls)

	table.n, table.calls = 1000, 0
	res = c.Probe(context.Background(), model.PortAllocation{Port: 8000, WorktreeID: "feature-auth", Service: model.ServiceWeb})
	assert.Equal(t, model.HealthUnhealthy, res.Status)
	assert.Equal(t, 2, res.Tier)
	assert.Greater(t, table.calls, 1)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	c, _ := newChecker(t, testutil.NewProber(), 8000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sweeps atomic.Int32
	err := c.Run(ctx, 10*time.Millisecond, func(results []Result, err error) {
		assert.NoError(t, err)
		assert.Len(t, results, 1)
		if sweeps.Add(1) == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sweeps.Load(), int32(3))
}
