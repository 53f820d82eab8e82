package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/config"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/port"
	"github.com/shinji-kodama/worktree-registry/internal/staleness"
	"github.com/shinji-kodama/worktree-registry/internal/testutil"
	"github.com/shinji-kodama/worktree-registry/internal/worktree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeLister struct {
	infos []worktree.WorktreeInfo
}

func (f *fakeLister) List(context.Context) ([]worktree.WorktreeInfo, error) {
	return f.infos, nil
}

type fixture struct {
	c      *Coordinator
	base   string
	repo   string
	vcs    *testutil.VCS
	ws     *testutil.Workspace
	prober *testutil.Prober
	lister *fakeLister
	clock  *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	repo := filepath.Join(base, "myrepo")
	require.NoError(t, os.MkdirAll(repo, 0o755))

	cfg := config.Default()
	cfg.Ports = map[string]model.PortRange{
		"web":      {Start: 8000, End: 8002},
		"api":      {Start: 8100, End: 8104},
		"database": {Start: 5400, End: 5401},
		"cache":    {Start: 6300, End: 6301},
		"debug":    {Start: 9200, End: 9201},
		"test":     {Start: 9300, End: 9301},
	}
	cfg.Probe.MaxElapsed = 100 * time.Millisecond
	cfg.Probe.Timeout = time.Second
	cfg.Registry.LockTimeout = time.Second

	f := &fixture{
		base:   base,
		repo:   repo,
		vcs:    testutil.NewVCS(),
		ws:     testutil.NewWorkspace(),
		prober: testutil.NewProber(),
		lister: &fakeLister{},
		clock:  testutil.NewClock(now),
	}
	c, err := New(Options{
		RepoRoot:  repo,
		Config:    cfg,
		VCS:       f.vcs,
		Workspace: f.ws,
		Prober:    f.prober,
		Lister:    f.lister,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	f.c = c
	return f
}

func (f *fixture) create(t *testing.T, purpose model.Purpose, name string, services ...model.Service) *CreateResult {
	t.Helper()
	res, err := f.c.Create(context.Background(), CreateRequest{Purpose: purpose, Name: name, Services: services})
	require.NoError(t, err)
	return res
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	res := f.create(t, model.PurposeFeature, "auth", model.ServiceWeb, model.ServiceAPI)
	assert.Equal(t, "feature-auth", res.Entry.ID)
	assert.Equal(t, "feature/auth", res.Entry.Branch)
	assert.Equal(t, "myrepo-feature-auth", res.Entry.Path)
	assert.Equal(t, model.StatusActive, res.Entry.Status)
	assert.Equal(t, []int{8000, 8100}, res.Entry.Ports)
	assert.Equal(t, filepath.Join(f.base, "myrepo-feature-auth"), res.Dir)
	assert.Equal(t, []string{res.Dir}, f.ws.Added)
	require.Len(t, res.Allocations, 2)
	assert.Equal(t, now, res.Allocations[0].AllocatedAt)

	second := f.create(t, model.PurposeBugfix, "login", model.ServiceWeb)
	assert.Equal(t, []int{8001}, second.Entry.Ports)
}

func TestCreate_RejectsBeforeCheckout(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "invalid name",
			req:  CreateRequest{Purpose: model.PurposeFeature, Name: "Bad_Name"},
			want: model.ErrValidation,
		},
		{
			name: "invalid purpose",
			req:  CreateRequest{Purpose: "chore", Name: "x"},
			want: model.ErrValidation,
		},
		{
			name: "path inside trunk",
			req:  CreateRequest{Purpose: model.PurposeFeature, Name: "x", Path: "myrepo/nested"},
			want: model.ErrValidation,
		},
		{
			name: "duplicate service",
			req:  CreateRequest{Purpose: model.PurposeFeature, Name: "x", Services: []model.Service{"web", "web"}},
			want: model.ErrValidation,
		},
		{
			name: "unknown service",
			req:  CreateRequest{Purpose: model.PurposeFeature, Name: "x", Services: []model.Service{"ftp"}},
			want: model.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.c.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.ws.Added)
		})
	}
}

func TestCreate_ExhaustedRangeDoesNotCheckOut(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.PurposeFeature, "a", model.ServiceWeb)
	f.create(t, model.PurposeFeature, "b", model.ServiceWeb)
	f.create(t, model.PurposeFeature, "c", model.ServiceWeb)

	_, err := f.c.Create(context.Background(), CreateRequest{Purpose: model.PurposeFeature, Name: "d", Services: []model.Service{model.ServiceWeb}})
	var exhausted *model.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, model.ExitPortAllocationFailed, model.ExitCodeFor(err))
	assert.Len(t, f.ws.Added, 3)
}

func TestCreate_DuplicateID(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.PurposeFeature, "auth")

	_, err := f.c.Create(context.Background(), CreateRequest{Purpose: model.PurposeFeature, Name: "auth"})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Len(t, f.ws.Added, 1)
}

// TestCreate_RollsBackCheckout: the commit fails because the requested
// path is already registered, so the fresh checkout is removed again.
func TestCreate_RollsBackCheckout(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, model.PurposeFeature, "auth")

	_, err := f.c.Create(context.Background(), CreateRequest{
		Purpose: model.PurposeFeature, Name: "other", Path: first.Entry.Path,
	})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, []string{first.Dir}, f.ws.Removed)

	snap, err := f.c.Store().Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Entry("feature-other"))
}

func TestCreate_CheckoutFailure(t *testing.T) {
	f := newFixture(t)
	f.ws.AddErr = errors.New("fatal: a branch named 'feature/auth' already exists")

	_, err := f.c.Create(context.Background(), CreateRequest{Purpose: model.PurposeFeature, Name: "auth", Services: []model.Service{model.ServiceWeb}})
	require.Error(t, err)

	snap, err := f.c.Store().Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Worktrees)
	assert.Empty(t, snap.Allocations)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, model.PurposeFeature, "auth", model.ServiceWeb, model.ServiceAPI)
	require.NoError(t, os.MkdirAll(res.Dir, 0o755))

	out, err := f.c.Remove(ctx, "feature-auth", RemoveOptions{})
	require.NoError(t, err)
	assert.True(t, out.Deleted)
	assert.Equal(t, []int{8000, 8100}, out.ReleasedPorts)
	assert.Equal(t, []string{res.Dir}, f.ws.Removed)

	snap, err := f.c.Store().Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Worktrees)
	assert.Empty(t, snap.Allocations)

	_, err = f.c.Remove(ctx, "feature-auth", RemoveOptions{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRemove_LockedNeedsForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeHotfix, "usb")
	_, err := f.c.Lock(ctx, "hotfix-usb")
	require.NoError(t, err)

	_, err = f.c.Remove(ctx, "hotfix-usb", RemoveOptions{})
	assert.ErrorIs(t, err, model.ErrValidation)

	out, err := f.c.Remove(ctx, "hotfix-usb", RemoveOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, out.Deleted)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeFeature, "auth", model.ServiceWeb)

	out, err := f.c.Remove(ctx, "feature-auth", RemoveOptions{Soft: true})
	require.NoError(t, err)
	assert.False(t, out.Deleted)
	assert.Equal(t, model.StatusPendingRemoval, out.Status)
	assert.Empty(t, f.ws.Removed)

	_, err = f.c.Lock(ctx, "feature-auth")
	assert.ErrorIs(t, err, model.ErrValidation)

	f.clock.Advance(time.Hour)
	e, err := f.c.RestoreEntry(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, e.Status)
	assert.Equal(t, now.Add(time.Hour), e.StatusChangedAt)
	assert.Equal(t, []int{8000}, e.Ports)

	e, err = f.c.Lock(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLocked, e.Status)
	rev := e.Revision

	e, err = f.c.Lock(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, rev, e.Revision, "locking twice does not write")

	e, err = f.c.Unlock(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, e.Status)

	_, err = f.c.RestoreEntry(ctx, "feature-auth")
	require.NoError(t, err, "restoring an active entry is a no-op")

	_, err = f.c.Unlock(ctx, "feature-nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeFeature, "zeta", model.ServiceWeb)
	f.create(t, model.PurposeBugfix, "alpha")
	f.create(t, model.PurposeFeature, "beta")
	_, err := f.c.Lock(ctx, "feature-beta")
	require.NoError(t, err)

	all, err := f.c.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bugfix-alpha", all[0].ID)
	assert.Equal(t, "feature-zeta", all[2].ID)
	require.Len(t, all[2].Allocations, 1)
	assert.Equal(t, 8000, all[2].Allocations[0].Port)

	features, err := f.c.List(ctx, ListFilter{Purpose: model.PurposeFeature, Statuses: []model.EntryStatus{model.StatusActive}})
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "feature-zeta", features[0].ID)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.create(t, model.PurposeFeature, "auth", model.ServiceWeb, model.ServiceAPI)
	f.create(t, model.PurposeBugfix, "login", model.ServiceWeb)

	r, err := f.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, r.Counts[model.StatusActive])
	assert.Len(t, r.Entries, 2)
	assert.Nil(t, r.Containers)

	usage := map[model.Service]ServiceUsage{}
	for _, u := range r.Services {
		usage[u.Service] = u
	}
	assert.Equal(t, 2, usage[model.ServiceWeb].Allocated)
	assert.Equal(t, 3, usage[model.ServiceWeb].Capacity)
	assert.Equal(t, 1, usage[model.ServiceAPI].Allocated)
	assert.Len(t, r.Services, len(model.Services))
}

func TestCheckRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tracked := f.create(t, model.PurposeFeature, "auth")
	f.create(t, model.PurposeFeature, "gone")
	require.NoError(t, os.MkdirAll(tracked.Dir, 0o755))

	stray := filepath.Join(f.base, "myrepo-manual")
	f.lister.infos = []worktree.WorktreeInfo{
		{Path: f.repo, Branch: "main"},
		{Path: tracked.Dir, Branch: "feature/auth"},
		{Path: stray, Branch: "wip"},
	}

	r, err := f.c.CheckRegistry(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Problems)
	assert.Equal(t, []string{stray}, r.Untracked)
	assert.Equal(t, []string{"feature-gone"}, r.Missing)
	assert.False(t, r.OK())
}

func TestCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeFeature, "gone", model.ServiceWeb)

	dry, err := f.c.Cleanup(ctx, CleanupOptions{DryRun: true})
	require.NoError(t, err)
	require.Len(t, dry.Report.Findings, 1)
	assert.Equal(t, model.ReasonDirectoryMissing, dry.Report.Findings[0].Reason)
	assert.Empty(t, dry.Outcomes)

	res, err := f.c.Cleanup(ctx, CleanupOptions{RemoveCheckouts: true})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, staleness.ActionDeleted, res.Outcomes[0].Action)
	assert.Empty(t, f.ws.Removed, "a missing directory has nothing to remove")

	snap, err := f.c.Store().Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Worktrees)
	assert.Empty(t, snap.Allocations)
}

func TestRebase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, model.PurposeFeature, "auth")

	out, err := f.c.Rebase(ctx, "feature-auth")
	require.NoError(t, err)
	assert.True(t, out.Rebased)
	assert.Equal(t, []string{res.Dir}, f.ws.Rebased)

	f.ws.RebaseConflicts[res.Dir] = []string{"go.mod"}
	out, err = f.c.Rebase(ctx, "feature-auth")
	require.NoError(t, err)
	assert.False(t, out.Rebased)
	assert.Equal(t, []string{"go.mod"}, out.Conflicts)

	f.vcs.Dirty[res.Dir] = true
	_, err = f.c.Rebase(ctx, "feature-auth")
	assert.Equal(t, model.ExitNotReady, model.ExitCodeFor(err))

	_, err = f.c.Rebase(ctx, "feature-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPortsAndEnv(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeFeature, "auth", model.ServiceWeb, model.ServiceAPI)

	a, err := f.c.AllocatePort(ctx, "feature-auth", model.ServiceWeb)
	require.NoError(t, err)
	assert.Equal(t, 8001, a.Port)

	env, err := f.c.Env(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Equal(t, []EnvVar{
		{Name: "WORKTREE_ID", Value: "feature-auth"},
		{Name: "WORKTREE_BRANCH", Value: "feature/auth"},
		{Name: "WEB_PORT", Value: "8000"},
		{Name: "WEB_PORT_2", Value: "8001"},
		{Name: "API_PORT", Value: "8100"},
	}, env.Vars)
	assert.Equal(t, "feature-auth", env.Labels["worktree.id"])

	released, err := f.c.ReleasePort(ctx, 8001)
	require.NoError(t, err)
	assert.True(t, released)
	released, err = f.c.ReleasePort(ctx, 8001)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = f.c.AllocatePort(ctx, "feature-auth", "ftp")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.c.Env(ctx, "feature-nope")
	assert.ErrorIs(t, err, model.ErrNotFound)

	free, err := f.c.FreePorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, free[model.ServiceWeb])
}

func TestConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.create(t, model.PurposeFeature, "auth", model.ServiceWeb)
	f.create(t, model.PurposeBugfix, "login", model.ServiceAPI)

	f.prober.Bind(8000, 42, filepath.Join(running.Dir, "web"))
	f.prober.Bind(8002, 99, "/usr/local/other")

	r, err := f.c.Conflicts(ctx, false)
	require.NoError(t, err)
	classes := map[int]port.Class{}
	for _, c := range r.Conflicts {
		classes[c.Port] = c.Class
	}
	assert.Equal(t, map[int]port.Class{
		8002: port.SystemConflict,
		8100: port.AllocationMismatch,
	}, classes)
	assert.Nil(t, r.Remediation)

	r, err = f.c.Conflicts(ctx, true)
	require.NoError(t, err)
	require.NotNil(t, r.Remediation)
	assert.Len(t, r.Remediation.Applied, 1)
	assert.Len(t, r.Remediation.Skipped, 1)

	snap, err := f.c.Store().Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.HealthNotRunning, snap.Allocation(8100).HealthStatus)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.create(t, model.PurposeFeature, "auth", model.ServiceWeb)
	f.prober.Bind(8000, 42, res.Dir)
	f.prober.Healthy[8000] = true
	f.vcs.AddBranch("feature/auth", testutil.BranchState{Ahead: 1, Pushed: true})

	results, err := f.c.Health(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.HealthHealthy, results[0].Status)

	ready, err := f.c.Readiness(ctx, "feature-auth")
	require.NoError(t, err)
	assert.True(t, ready.Ready)

	plan, err := f.c.Plan(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.NoError(t, f.c.CheckPlan(ctx, plan))
}

func TestBackupsAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, model.PurposeFeature, "a")
	f.clock.Advance(time.Second)
	f.create(t, model.PurposeFeature, "b")

	backups, err := f.c.Backups()
	require.NoError(t, err)
	require.NotEmpty(t, backups)

	doc, err := f.c.RestoreBackup(ctx, backups[0].Name)
	require.NoError(t, err)
	assert.NotNil(t, doc.Entry("feature-a"))
	assert.Nil(t, doc.Entry("feature-b"))

	_, err = f.c.RestoreBackup(ctx, "registry-nope.json")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
