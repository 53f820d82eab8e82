package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"time"

	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/oracle"
	"github.com/shinji-kodama/worktree-registry/internal/registry"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
)

// maxCommitAttempts bounds how often Allocate re-plans after another
// writer changed the registry between its snapshot and its commit.
const maxCommitAttempts = 5

// Allocator hands out ports from the configured service ranges.
//
// Scanning and probing run against a snapshot without holding the registry
// lock; the chosen port is committed with a compare-and-swap on the
// snapshot's version. A concurrent writer makes the commit fail, and the
// allocator re-plans against a fresh snapshot.
type Allocator struct {
	store      *registry.Store
	prober     oracle.Prober
	log        *slog.Logger
	maxElapsed time.Duration
	owner      string
}

// NewAllocator creates an Allocator. maxElapsed bounds the retries of one
// transiently failing bind probe.
func NewAllocator(store *registry.Store, prober oracle.Prober, logger *slog.Logger, maxElapsed time.Duration) *Allocator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Allocator{
		store:      store,
		prober:     prober,
		log:        logger,
		maxElapsed: maxElapsed,
		owner:      allocatedBy(),
	}
}

// Plan picks one port per service for worktreeID against snapshot d,
// without writing anything. Ports picked for earlier services are not
// reused for later ones. The result is only valid while the registry is
// still at d.Version.
func (a *Allocator) Plan(ctx context.Context, d *registry.Document, worktreeID string, services []model.Service) ([]model.PortAllocation, error) {
	taken := make(map[int]bool, len(services))
	allocs := make([]model.PortAllocation, 0, len(services))
	now := a.store.Now()

	for _, svc := range services {
		port, err := a.scan(ctx, d, svc, taken)
		if err != nil {
			return nil, err
		}
		taken[port] = true
		allocs = append(allocs, model.PortAllocation{
			Port:         port,
			WorktreeID:   worktreeID,
			Service:      svc,
			AllocatedAt:  now,
			AllocatedBy:  a.owner,
			HealthStatus: model.HealthUnknown,
		})
	}
	return allocs, nil
}

// scan returns the lowest port of svc's range that has no allocation
// record in d, is not in taken, and passes the bind probe.
func (a *Allocator) scan(ctx context.Context, d *registry.Document, svc model.Service, taken map[int]bool) (int, error) {
	r, ok := a.store.Ranges()[svc]
	if !ok {
		return 0, model.NewValidationError(fmt.Sprintf("no port range configured for service %q", svc))
	}

	for port := r.Start; port <= r.End; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if taken[port] || d.IsAllocated(port) {
			continue
		}
		free, err := a.probe(ctx, port)
		if err != nil {
			a.log.Warn("bind probe failed, skipping port", "port", port, "err", err)
			continue
		}
		if free {
			return port, nil
		}
		a.log.Debug("port held by another process", "port", port, "service", svc)
	}
	return 0, &model.ResourceExhaustedError{Service: svc, Range: r}
}

func (a *Allocator) probe(ctx context.Context, port int) (bool, error) {
	var free bool
	err := oracle.Retry(ctx, a.maxElapsed, func() error {
		var err error
		free, err = a.prober.IsPortFree(ctx, port)
		return err
	})
	return free, err
}

// Allocate reserves the lowest free port of svc for worktreeID.
//
// It returns *model.ResourceExhaustedError once every port of the range
// is taken, and *model.NotFoundError if the worktree has no entry.
func (a *Allocator) Allocate(ctx context.Context, svc model.Service, worktreeID string) (model.PortAllocation, error) {
	for attempt := 1; ; attempt++ {
		snap, err := a.store.Snapshot(ctx)
		if err != nil {
			return model.PortAllocation{}, err
		}
		if snap.Entry(worktreeID) == nil {
			return model.PortAllocation{}, &model.NotFoundError{Kind: "worktree", Key: worktreeID}
		}

		allocs, err := a.Plan(ctx, snap, worktreeID, []model.Service{svc})
		if err != nil {
			return model.PortAllocation{}, err
		}
		alloc := allocs[0]

		_, err = a.store.Apply(ctx, snap.Version, func(d *registry.Document) error {
			d.AddAllocation(alloc)
			return nil
		})
		if err == nil {
			telemetry.Get().PortsAllocated.Add(ctx, 1, telemetry.With("service", string(svc)))
			a.log.Info("port allocated", "port", alloc.Port, "service", svc, "worktree", worktreeID)
			return alloc, nil
		}
		if errors.Is(err, model.ErrConflict) && attempt < maxCommitAttempts {
			a.log.Debug("registry changed during allocation, re-planning", "attempt", attempt)
			continue
		}
		return model.PortAllocation{}, err
	}
}

// Release removes every allocation record for port. Releasing a port that
// is not allocated is a no-op and reports false.
func (a *Allocator) Release(ctx context.Context, port int) (bool, error) {
	released := false
	_, err := a.store.Mutate(ctx, func(d *registry.Document) error {
		if d.RemoveAllocation(port) == 0 {
			return registry.ErrNoop
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if released {
		telemetry.Get().PortsReleased.Add(ctx, 1)
		a.log.Info("port released", "port", port)
	}
	return released, nil
}

// FreeCount returns how many ports of svc's range are neither allocated
// nor bound by another process.
func (a *Allocator) FreeCount(ctx context.Context, svc model.Service) (int, error) {
	r, ok := a.store.Ranges()[svc]
	if !ok {
		return 0, model.NewValidationError(fmt.Sprintf("no port range configured for service %q", svc))
	}
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	free := 0
	for port := r.Start; port <= r.End; port++ {
		if snap.IsAllocated(port) {
			continue
		}
		ok, err := a.probe(ctx, port)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		if ok {
			free++
		}
	}
	return free, nil
}

// allocatedBy identifies this process as "user@host:pid".
func allocatedBy() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s:%d", name, host, os.Getpid())
}
