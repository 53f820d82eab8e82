// Package testutil provides in-memory oracles and a temporary registry
// store for package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/stretchr/testify/require"
)

// TrunkDir is the trunk checkout name used by NewStore.
const TrunkDir = "myrepo"

// Epoch is the CreatedAt of entries built by Entry.
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// Ranges are the service ranges used by NewStore.
var Ranges = map[model.Service]model.PortRange{
	model.ServiceWeb: {Start: 8000, End: 8002},
	model.ServiceAPI: {Start: 8100, End: 8199},
}

// Clock is a settable clock. Each call to Now returns the current instant
// unchanged; Advance moves it.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock { return &Clock{t: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// NewStore opens a store in a temp dir with Ranges and TrunkDir.
func NewStore(t *testing.T, clock *Clock) *registry.Store {
	t.Helper()
	opts := registry.Options{
		Dir:               filepath.Join(t.TempDir(), ".worktree-registry"),
		Ranges:            Ranges,
		TrunkDir:          TrunkDir,
		BackupGenerations: 3,
		LockTimeout:       500 * time.Millisecond,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := registry.Open(opts)
	require.NoError(t, err)
	return s
}

// Entry returns a valid active entry for id, which must look like
// "purpose-name".
func Entry(id string) model.WorktreeEntry {
	purpose := id
	for i := range id {
		if id[i] == '-' {
			purpose = id[:i]
			break
		}
	}
	return model.WorktreeEntry{
		ID:        id,
		Path:      TrunkDir + "-" + id,
		Branch:    purpose + "/" + id,
		Purpose:   model.Purpose(purpose),
		Status:    model.StatusActive,
		CreatedAt: Epoch,
	}
}

// WriteDocument replaces the store's document with d as-is, bypassing
// validation, the way a hand edit would.
func WriteDocument(t *testing.T, s *registry.Store, d *registry.Document) {
	t.Helper()
	cur, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	d.Version = cur.Version + 1
	data, err := json.MarshalIndent(d, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o644))
}

// Seed creates each entry in the store, failing the test on error.
func Seed(t *testing.T, s *registry.Store, entries ...model.WorktreeEntry) {
	t.Helper()
	for _, e := range entries {
		snap, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		_, err = s.Create(context.Background(), snap.Version, e)
		require.NoError(t, err)
	}
}

// Prober is an in-memory oracle.Prober. Ports are free unless listed in
// Bound.
type Prober struct {
	mu sync.Mutex

	// Bound maps a port to the PID listening on it (0 for unknown owner).
	Bound map[int]int

	// Processes describes PIDs returned by Process.
	Processes map[int]oracle.ProcessInfo

	// Healthy lists ports whose HTTP probe and dial succeed. A bound port
	// absent from Healthy fails its protocol check.
	Healthy map[int]bool

	// Flaky makes the first N probes of a port fail transiently.
	Flaky map[int]int

	Calls int
}

var _ oracle.Prober = (*Prober)(nil)

// NewProber returns a Prober with no bound ports.
func NewProber() *Prober {
	return &Prober{
		Bound:     map[int]int{},
		Processes: map[int]oracle.ProcessInfo{},
		Healthy:   map[int]bool{},
		Flaky:     map[int]int{},
	}
}

// Bind marks port as listened on by pid with working directory cwd.
func (p *Prober) Bind(port, pid int, cwd string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bound[port] = pid
	if pid > 0 {
		p.Processes[pid] = oracle.ProcessInfo{PID: pid, Name: fmt.Sprintf("proc-%d", pid), Cwd: cwd}
	}
}

// Unbind frees port.
func (p *Prober) Unbind(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Bound, port)
	delete(p.Healthy, port)
}

func (p *Prober) flaky(port int) error {
	p.Calls++
	if p.Flaky[port] > 0 {
		p.Flaky[port]--
		return oracle.Transient(fmt.Errorf("probe of %d timed out", port))
	}
	return nil
}

func (p *Prober) IsPortFree(_ context.Context, port int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flaky(port); err != nil {
		return false, err
	}
	_, bound := p.Bound[port]
	return !bound, nil
}

func (p *Prober) ListeningPID(_ context.Context, port int) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pid, bound := p.Bound[port]
	if !bound || pid == 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

func (p *Prober) HTTPProbe(_ context.Context, port int, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flaky(port); err != nil {
		return false, err
	}
	return p.Healthy[port], nil
}

func (p *Prober) Dial(_ context.Context, port int) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flaky(port); err != nil {
		return false, err
	}
	return p.Healthy[port], nil
}

func (p *Prober) Process(_ context.Context, pid int) (oracle.ProcessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.Processes[pid]
	if !ok {
		return oracle.ProcessInfo{}, fmt.Errorf("process %d not found", pid)
	}
	return info, nil
}

// BranchState describes one branch known to VCS.
type BranchState struct {
	Ahead, Behind int

	// Conflicts is the set of paths a trial rebase stops on; empty means
	// the rebase applies.
	Conflicts []string

	Changed []string

	// FirstUnique is the committer time of the oldest commit absent from
	// trunk.
	FirstUnique time.Time

	// Pushed reports that the remote branch matches the local one.
	Pushed bool
}

// VCS is an in-memory oracle.VCS.
type VCS struct {
	mu sync.Mutex

	Branches map[string]*BranchState

	// LastCommit is the HEAD commit time per worktree path.
	LastCommit map[string]time.Time

	// Dirty lists worktree paths with uncommitted changes.
	Dirty map[string]bool

	// Err, when set, is returned by every call.
	Err error

	TrialRebases int
}

var _ oracle.VCS = (*VCS)(nil)

// NewVCS returns a VCS that knows only the trunk branch "main".
func NewVCS() *VCS {
	return &VCS{
		Branches:   map[string]*BranchState{"main": {}},
		LastCommit: map[string]time.Time{},
		Dirty:      map[string]bool{},
	}
}

// AddBranch registers branch with the given state.
func (v *VCS) AddBranch(name string, st BranchState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Branches[name] = &st
}

// DeleteBranch forgets branch.
func (v *VCS) DeleteBranch(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.Branches, name)
}

func (v *VCS) branch(name string) (*BranchState, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	b, ok := v.Branches[name]
	if !ok {
		return nil, fmt.Errorf("unknown revision %q", name)
	}
	return b, nil
}

func (v *VCS) BranchExists(_ context.Context, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return false, v.Err
	}
	_, ok := v.Branches[name]
	return ok, nil
}

func (v *VCS) LastCommitTime(_ context.Context, path string) (time.Time, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return time.Time{}, v.Err
	}
	t, ok := v.LastCommit[path]
	if !ok {
		return time.Time{}, fmt.Errorf("no commits at %s", path)
	}
	return t, nil
}

func (v *VCS) CommitsAheadBehind(_ context.Context, branch, _ string) (int, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.branch(branch)
	if err != nil {
		return 0, 0, err
	}
	return b.Ahead, b.Behind, nil
}

func (v *VCS) TrialRebase(_ context.Context, branch, _ string) (bool, []string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.branch(branch)
	if err != nil {
		return false, nil, err
	}
	v.TrialRebases++
	if len(b.Conflicts) > 0 {
		return false, slices.Clone(b.Conflicts), nil
	}
	return true, nil, nil
}

func (v *VCS) WorkingTreeClean(_ context.Context, path string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return false, v.Err
	}
	return !v.Dirty[path], nil
}

func (v *VCS) ChangedFiles(_ context.Context, branch, _ string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.branch(branch)
	if err != nil {
		return nil, err
	}
	return slices.Clone(b.Changed), nil
}

func (v *VCS) EarliestUniqueCommitTime(_ context.Context, branch, _ string) (time.Time, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.branch(branch)
	if err != nil {
		return time.Time{}, false, err
	}
	if b.Ahead == 0 {
		return time.Time{}, false, nil
	}
	return b.FirstUnique, true, nil
}

func (v *VCS) UpToDateWithRemote(_ context.Context, branch, _ string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, err := v.branch(branch)
	if err != nil {
		return false, err
	}
	return b.Pushed, nil
}

// Workspace is an in-memory oracle.Workspace that records its calls.
type Workspace struct {
	mu sync.Mutex

	Added   []string
	Removed []string
	Rebased []string

	// RebaseConflicts is returned by Rebase for the given path.
	RebaseConflicts map[string][]string

	AddErr    error
	RemoveErr error
}

var _ oracle.Workspace = (*Workspace)(nil)

func NewWorkspace() *Workspace {
	return &Workspace{RebaseConflicts: map[string][]string{}}
}

func (w *Workspace) AddWorktree(_ context.Context, path, _, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.AddErr != nil {
		return w.AddErr
	}
	w.Added = append(w.Added, path)
	return nil
}

func (w *Workspace) RemoveWorktree(_ context.Context, path string, _ bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.RemoveErr != nil {
		return w.RemoveErr
	}
	w.Removed = append(w.Removed, path)
	return nil
}

func (w *Workspace) Rebase(_ context.Context, path, _ string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c := w.RebaseConflicts[path]; len(c) > 0 {
		return slices.Clone(c), nil
	}
	w.Rebased = append(w.Rebased, path)
	return nil, nil
}
