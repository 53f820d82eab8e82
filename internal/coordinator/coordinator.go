// Package coordinator wires the registry, the port allocator, the
// staleness detector, the health checker and the merge planner into the
// operations the CLI exposes. Each operation is a thin composition of
// those components; the invariants live in them, not here.
package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/config"
	"github.com/shinji-kodama/worktree-registry/internal/docker"
	"github.com/shinji-kodama/worktree-registry/internal/health"
	"github.com/shinji-kodama/worktree-registry/internal/merge"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/port"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/staleness"
	"github.com/shinji-kodama/worktree-registry/internal/worktree"
)

// watchDebounce collapses bursts of registry writes into one callback.
const watchDebounce = 200 * time.Millisecond

// Lister enumerates the worktrees git knows about.
type Lister interface {
	List(ctx context.Context) ([]worktree.WorktreeInfo, error)
}

// ContainerSource lists containers labelled with a worktree id.
type ContainerSource interface {
	port.OwnerSource
	Containers(ctx context.Context) ([]docker.Container, error)
}

// Options configures a Coordinator. RepoRoot and Config are required; the
// collaborators default to nothing and are filled in by Open.
type Options struct {
	// RepoRoot is the absolute path of the trunk checkout.
	RepoRoot string
	Config   *config.Config
	Logger   *slog.Logger

	VCS       oracle.VCS
	Workspace oracle.Workspace
	Prober    oracle.Prober
	Lister    Lister

	// Containers is optional; without it container-published ports are
	// not attributed to worktrees.
	Containers ContainerSource

	// RegistryDir overrides the directory derived from Config.
	RegistryDir string

	Now func() time.Time
}

// Coordinator exposes the registry operations.
type Coordinator struct {
	cfg      *config.Config
	repoRoot string
	baseDir  string
	trunkDir string
	log      *slog.Logger

	store      *registry.Store
	vcs        oracle.VCS
	workspace  oracle.Workspace
	lister     Lister
	containers ContainerSource

	allocator *port.Allocator
	observer  *port.Observer
	detector  *staleness.Detector
	checker   *health.Checker
	planner   *merge.Planner

	closers []io.Closer
}

// New builds a Coordinator from explicit collaborators.
func New(opts Options) (*Coordinator, error) {
	if opts.RepoRoot == "" || opts.Config == nil {
		return nil, errors.New("coordinator: repository root and configuration are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config

	dir := opts.RegistryDir
	if dir == "" {
		dir = cfg.RegistryDir(opts.RepoRoot)
	}
	store, err := registry.Open(registry.Options{
		Dir:               dir,
		Ranges:            cfg.Ranges(),
		TrunkDir:          filepath.Base(opts.RepoRoot),
		BackupGenerations: cfg.Registry.Backups,
		LockTimeout:       cfg.Registry.LockTimeout,
		Logger:            log.With("component", "registry"),
		Now:               opts.Now,
	})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:        cfg,
		repoRoot:   opts.RepoRoot,
		baseDir:    filepath.Dir(opts.RepoRoot),
		trunkDir:   filepath.Base(opts.RepoRoot),
		log:        log,
		store:      store,
		vcs:        opts.VCS,
		workspace:  opts.Workspace,
		lister:     opts.Lister,
		containers: opts.Containers,
	}

	c.allocator = port.NewAllocator(store, opts.Prober, log.With("component", "allocator"), cfg.Probe.MaxElapsed)
	c.observer = &port.Observer{
		Prober:      opts.Prober,
		Concurrency: cfg.Probe.Concurrency,
		Timeout:     cfg.Probe.Timeout,
		MaxElapsed:  cfg.Probe.MaxElapsed,
		Logger:      log.With("component", "conflicts"),
	}
	// a nil *docker.Client must not become a non-nil interface
	if opts.Containers != nil {
		c.observer.Owners = opts.Containers
	}
	c.detector = staleness.NewDetector(store, opts.VCS, staleness.Options{
		BaseDir:        c.baseDir,
		GracePeriod:    cfg.Staleness.GracePeriod,
		IdleThreshold:  cfg.Staleness.IdleThreshold,
		RecentActivity: cfg.Staleness.RecentActivity,
		Timeout:        cfg.Probe.Timeout,
		MaxElapsed:     cfg.Probe.MaxElapsed,
		Logger:         log.With("component", "staleness"),
	})
	c.checker = health.NewChecker(store, opts.Prober, health.Options{
		Timeout:     cfg.Probe.Timeout,
		MaxElapsed:  cfg.Probe.MaxElapsed,
		Concurrency: cfg.Probe.Concurrency,
		HTTPPath:    cfg.Health.HTTPPath,
		Logger:      log.With("component", "health"),
	})
	c.planner = merge.NewPlanner(store, opts.VCS, merge.Options{
		BaseDir:           c.baseDir,
		Trunk:             cfg.Merge.Trunk,
		Remote:            cfg.Merge.Remote,
		DivergedThreshold: cfg.Merge.DivergedThreshold,
		Concurrency:       cfg.Probe.Concurrency,
		Timeout:           cfg.Probe.Timeout,
		MaxElapsed:        cfg.Probe.MaxElapsed,
		Logger:            log.With("component", "merge"),
	})
	return c, nil
}

// Open builds a Coordinator backed by git, the host's network state and,
// when a daemon answers, Docker.
func Open(ctx context.Context, repoRoot string, cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	git := worktree.NewManager(repoRoot, logger.With("component", "git"))
	opts := Options{
		RepoRoot:  repoRoot,
		Config:    cfg,
		Logger:    logger,
		VCS:       git,
		Workspace: git,
		Lister:    git,
		Prober:    port.NewScanner(cfg.Probe.Timeout),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Probe.Timeout)
	defer cancel()
	dc, err := docker.Connect(pingCtx)
	if err != nil {
		logger.Debug("docker unavailable, container ports are not attributed", "err", err)
	} else {
		opts.Containers = dc
	}

	c, err := New(opts)
	if err != nil {
		if dc != nil {
			_ = dc.Close()
		}
		return nil, err
	}
	if dc != nil {
		c.closers = append(c.closers, dc)
	}
	return c, nil
}

// Close releases the Docker connection, if any.
func (c *Coordinator) Close() error {
	var errs []error
	for _, cl := range c.closers {
		errs = append(errs, cl.Close())
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Store returns the underlying registry store.
func (c *Coordinator) Store() *registry.Store { return c.store }

// Config returns the resolved configuration.
func (c *Coordinator) Config() *config.Config { return c.cfg }

// RepoRoot returns the trunk checkout.
func (c *Coordinator) RepoRoot() string { return c.repoRoot }

// AbsPath resolves a registry entry path.
func (c *Coordinator) AbsPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.baseDir, path)
}

// Watch calls fn with a fresh snapshot every time the registry document
// changes, until ctx is done.
func (c *Coordinator) Watch(ctx context.Context, fn func(*registry.Document)) error {
	return c.store.Watch(ctx, watchDebounce, fn)
}
