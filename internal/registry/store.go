// Package registry implements the durable, versioned registry document of
// worktree entries and port allocations.
//
// Concurrency model: every mutation is a compare-and-swap on the document
// version. A caller reads a snapshot, computes its change, and commits with
// Apply(base), which fails with a *model.ConflictError when another caller
// committed in between. The advisory file lock (gofrs/flock) only
// serializes the re-read/validate/write step of a single commit; it is
// never held across VCS or network calls, and acquiring it is bounded by
// Options.LockTimeout, after which *model.BusyError is returned.
//
// Every write goes to a temporary file that atomically replaces the
// document (moby/sys/atomicwriter); the previous document is kept as a
// timestamped backup, bounded to Options.BackupGenerations.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/moby/sys/atomicwriter"
	"github.com/shinji-kodama/worktree-registry/internal/model"
	"github.com/shinji-kodama/worktree-registry/internal/telemetry"
)

const (
	// DocumentName is the registry document's file name within the registry directory.
	DocumentName = "registry.json"

	lockName         = "registry.lock"
	backupDirName    = "backups"
	lockPollInterval = 25 * time.Millisecond
)

// ErrNoop may be returned by a mutation function to signal that nothing
// changed. Apply then skips the write and returns the current document.
var ErrNoop = errors.New("registry: no change")

// Options configures a Store.
type Options struct {
	// Dir holds the document, its lock file and the backups directory.
	Dir string

	// Ranges is the configured port range of every service.
	Ranges map[model.Service]model.PortRange

	// TrunkDir is the trunk checkout's directory name; entry paths must not
	// point inside it.
	TrunkDir string

	// BackupGenerations bounds the number of retained backups. Zero
	// disables backups.
	BackupGenerations int

	// LockTimeout bounds the wait for the advisory lock.
	LockTimeout time.Duration

	Logger *slog.Logger

	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// Store is the registry document on disk. It is safe for concurrent use by
// multiple goroutines and multiple processes.
type Store struct {
	opts      Options
	path      string
	backupDir string
	lock      string
	log       *slog.Logger
	now       func() time.Time
}

// Open prepares the registry directory and returns a Store. The document
// itself is created lazily by the first write.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("registry directory must be set")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.BackupGenerations < 0 {
		opts.BackupGenerations = 0
	}
	s := &Store{
		opts:      opts,
		path:      filepath.Join(opts.Dir, DocumentName),
		backupDir: filepath.Join(opts.Dir, backupDirName),
		lock:      filepath.Join(opts.Dir, lockName),
		log:       opts.Logger,
		now:       opts.Now,
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Dir returns the registry directory.
func (s *Store) Dir() string { return s.opts.Dir }

// Ranges returns the configured service ranges.
func (s *Store) Ranges() map[model.Service]model.PortRange { return s.opts.Ranges }

// TrunkDir returns the trunk checkout's directory name.
func (s *Store) TrunkDir() string { return s.opts.TrunkDir }

// Now returns the store's notion of the current time in UTC.
func (s *Store) Now() time.Time { return s.now().UTC() }

// Snapshot reads the current document without taking the lock. Writes
// replace the file atomically, so a snapshot is always a complete
// document. A missing document yields an empty one at version 0.
func (s *Store) Snapshot(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, _, err := s.load()
	return doc, err
}

// Mutate commits fn against the current version. It is Apply with the
// version of a fresh snapshot, so it only conflicts with writers that
// commit between the two reads.
func (s *Store) Mutate(ctx context.Context, fn func(*Document) error) (*Document, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, snap.Version, fn)
}

// Apply commits fn if the document is still at version base.
//
// fn receives a private copy of the document and must not perform VCS or
// network calls: it runs while the lock is held. After fn returns, entry
// port sets are re-synced from the allocation records and the document is
// validated; any invariant violation the change introduces aborts the
// commit with a *model.ValidationError and nothing is written.
//
// On success the version is incremented, every entry whose fields changed
// gets a new revision, the previous document is backed up and the new one
// atomically replaces it.
func (s *Store) Apply(ctx context.Context, base int64, fn func(*Document) error) (*Document, error) {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, raw, err := s.load()
	if err != nil {
		return nil, err
	}
	if cur.Version != base {
		return nil, &model.ConflictError{Kind: model.ConflictVersion, Expected: base, Actual: cur.Version}
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoop) {
			return cur, nil
		}
		return nil, err
	}
	next.SyncPorts()

	if introduced := newProblems(
		Validate(cur, s.opts.Ranges, s.opts.TrunkDir),
		Validate(next, s.opts.Ranges, s.opts.TrunkDir),
	); len(introduced) > 0 {
		return nil, model.NewValidationError(introduced...)
	}

	if err := bumpRevisions(cur, next); err != nil {
		return nil, err
	}
	next.SchemaVersion = SchemaVersion
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now().UTC()

	if raw != nil {
		if err := s.backup(raw, cur.Version); err != nil {
			return nil, err
		}
	}
	if err := s.write(next); err != nil {
		return nil, err
	}

	telemetry.Get().RegistryWrites.Add(ctx, 1)
	s.log.Debug("registry committed", "version", next.Version, "worktrees", len(next.Worktrees), "allocations", len(next.Allocations))
	return next.Clone(), nil
}

// acquire takes the advisory lock, polling until LockTimeout. The returned
// func releases it.
func (s *Store) acquire(ctx context.Context) (func(), error) {
	fl := flock.New(s.lock)
	start := time.Now()

	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, lockPollInterval)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !locked {
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire registry lock: %w", err)
		}
		return nil, &model.BusyError{LockPath: s.lock, Waited: time.Since(start)}
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warn("failed to release registry lock", "err", err)
		}
	}, nil
}

// load reads and decodes the document. It returns the raw bytes as well,
// nil when the document does not exist yet.
func (s *Store) load() (*Document, []byte, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewDocument(), nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read registry: %w", err)
	}
	doc, migrated, err := decode(raw)
	if err != nil {
		return nil, nil, &model.CorruptionError{Path: s.path, Backup: s.newestBackup(), Err: err}
	}
	if migrated {
		s.log.Info("migrated registry document", "schema_version", SchemaVersion, "path", s.path)
	}
	return doc, raw, nil
}

func (s *Store) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}
	data = append(data, '\n')
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	return nil
}

// newProblems returns the entries of after that are not in before, so a
// document that was already inconsistent (hand edits, a narrowed range)
// can still be repaired while no commit adds a violation.
func newProblems(before, after []string) []string {
	seen := make(map[string]int, len(before))
	for _, p := range before {
		seen[p]++
	}
	var out []string
	for _, p := range after {
		if seen[p] > 0 {
			seen[p]--
			continue
		}
		out = append(out, p)
	}
	return out
}

// bumpRevisions sets the revision of every entry of next: 1 for new
// entries, previous+1 for entries whose fields differ from cur, and the
// unchanged previous revision otherwise.
func bumpRevisions(cur, next *Document) error {
	for i := range next.Worktrees {
		e := &next.Worktrees[i]
		old := cur.Entry(e.ID)
		if old == nil {
			e.Revision = 1
			continue
		}
		changed, err := entryChanged(old, e)
		if err != nil {
			return err
		}
		if changed {
			e.Revision = old.Revision + 1
		} else {
			e.Revision = old.Revision
		}
	}
	return nil
}

func entryChanged(a, b *model.WorktreeEntry) (bool, error) {
	ac, bc := a.Clone(), b.Clone()
	ac.Revision, bc.Revision = 0, 0
	aj, err := json.Marshal(ac)
	if err != nil {
		return false, err
	}
	bj, err := json.Marshal(bc)
	if err != nil {
		return false, err
	}
	return !slices.Equal(aj, bj), nil
}
