package registry

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/shinji-kodama/worktree-registry/internal/model"
)

const (
	backupPrefix     = "registry-"
	corruptPrefix    = "corrupt-"
	backupTimeLayout = "20060102T150405.000000000Z"
)

// Backup describes one retained generation of the registry document.
type Backup struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Version int64     `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Size    int64     `json:"size"`
}

// backup stores raw, the document at version, as a new generation and
// prunes generations beyond BackupGenerations.
func (s *Store) backup(raw []byte, version int64) error {
	if s.opts.BackupGenerations == 0 {
		return nil
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	name := fmt.Sprintf("%s%s-v%d.json", backupPrefix, s.now().UTC().Format(backupTimeLayout), version)
	if err := atomicwriter.WriteFile(filepath.Join(s.backupDir, name), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write registry backup: %w", err)
	}
	return s.prune()
}

func (s *Store) prune() error {
	backups, err := s.Backups()
	if err != nil {
		return err
	}
	for _, b := range backups[min(len(backups), s.opts.BackupGenerations):] {
		if err := os.Remove(b.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune backup %s: %w", b.Name, err)
		}
		s.log.Debug("pruned registry backup", "backup", b.Name)
	}
	return nil
}

// Backups lists the retained generations, newest first.
func (s *Store) Backups() ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var out []Backup
	for _, de := range entries {
		b, ok := parseBackupName(de.Name())
		if !ok || de.IsDir() {
			continue
		}
		b.Path = filepath.Join(s.backupDir, b.Name)
		if info, err := de.Info(); err == nil {
			b.Size = info.Size()
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Backup) int {
		if c := b.TakenAt.Compare(a.TakenAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Version, a.Version)
	})
	return out, nil
}

// parseBackupName decodes "registry-<timestamp>-v<version>.json".
func parseBackupName(name string) (Backup, bool) {
	rest, ok := strings.CutPrefix(name, backupPrefix)
	if !ok {
		return Backup{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return Backup{}, false
	}
	ts, ver, ok := strings.Cut(rest, "-v")
	if !ok {
		return Backup{}, false
	}
	takenAt, err := time.Parse(backupTimeLayout, ts)
	if err != nil {
		return Backup{}, false
	}
	var version int64
	if _, err := fmt.Sscanf(ver, "%d", &version); err != nil {
		return Backup{}, false
	}
	return Backup{Name: name, Version: version, TakenAt: takenAt}, true
}

func (s *Store) newestBackup() string {
	backups, err := s.Backups()
	if err != nil || len(backups) == 0 {
		return ""
	}
	return backups[0].Path
}

// Restore replaces the document with a backup generation, named either by
// file name or by path. The restored document gets a version above both
// the backup's and the current one, so callers holding an older snapshot
// conflict instead of overwriting it. A current document that cannot be
// decoded is preserved as corrupt-<timestamp>.json next to the backups.
//
// Restore never runs implicitly; the CLI asks for confirmation first.
func (s *Store) Restore(ctx context.Context, name string) (*Document, error) {
	path := name
	if !filepath.IsAbs(name) && filepath.Base(name) == name {
		path = filepath.Join(s.backupDir, name)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.NotFoundError{Kind: "backup", Key: name}
	}
	restored, _, err := decode(raw)
	if err != nil {
		return nil, &model.CorruptionError{Path: path, Err: err}
	}
	if problems := Validate(restored, s.opts.Ranges, s.opts.TrunkDir); len(problems) > 0 {
		s.log.Warn("restored backup has invariant problems", "backup", name, "problems", len(problems))
	}

	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	version := restored.Version
	cur, curRaw, err := s.load()
	switch {
	case err == nil:
		version = max(version, cur.Version)
		if curRaw != nil {
			if err := s.backup(curRaw, cur.Version); err != nil {
				return nil, err
			}
		}
	default:
		// the unreadable document was newer than every backup of it
		if backups, _ := s.Backups(); len(backups) > 0 {
			version = max(version, backups[0].Version+1)
		}
		data, readErr := os.ReadFile(s.path)
		if readErr == nil {
			if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create backup directory: %w", err)
			}
			keep := filepath.Join(s.backupDir, corruptPrefix+s.now().UTC().Format(backupTimeLayout)+".json")
			if err := atomicwriter.WriteFile(keep, data, 0o644); err != nil {
				return nil, fmt.Errorf("failed to preserve corrupt registry: %w", err)
			}
			s.log.Warn("preserved corrupt registry document", "path", keep)
		}
	}

	restored.SchemaVersion = SchemaVersion
	restored.Version = version + 1
	restored.UpdatedAt = s.now().UTC()
	if err := s.write(restored); err != nil {
		return nil, err
	}
	s.log.Info("restored registry from backup", "backup", name, "version", restored.Version)
	return restored, nil
}
