package merge

import (
	"slices"
)

// Pair is one non-empty cell of a file-conflict matrix.
type Pair struct {
	A     string   `json:"a"`
	B     string   `json:"b"`
	Files []string `json:"files"`
}

// Matrix holds, for every pair of worktrees, the files both changed
// relative to trunk.
type Matrix struct {
	Worktrees []string `json:"worktrees"`

	// Pairs lists the pairs with a non-empty overlap, A < B.
	Pairs []Pair `json:"pairs"`

	changed map[string]map[string]bool
}

// NewMatrix builds the matrix from each worktree's changed-file set.
func NewMatrix(changed map[string][]string) *Matrix {
	m := &Matrix{
		Pairs:   []Pair{},
		changed: make(map[string]map[string]bool, len(changed)),
	}
	for id, files := range changed {
		set := make(map[string]bool, len(files))
		for _, f := range files {
			set[f] = true
		}
		m.changed[id] = set
		m.Worktrees = append(m.Worktrees, id)
	}
	slices.Sort(m.Worktrees)

	for i, a := range m.Worktrees {
		for _, b := range m.Worktrees[i+1:] {
			if files := m.Overlap(a, b); len(files) > 0 {
				m.Pairs = append(m.Pairs, Pair{A: a, B: b, Files: files})
			}
		}
	}
	return m
}

// Overlap returns the sorted intersection of the changed-file sets of a
// and b. It is symmetric; the diagonal is empty.
func (m *Matrix) Overlap(a, b string) []string {
	if a == b {
		return nil
	}
	sa, sb := m.changed[a], m.changed[b]
	if len(sb) < len(sa) {
		sa, sb = sb, sa
	}
	var files []string
	for f := range sa {
		if sb[f] {
			files = append(files, f)
		}
	}
	slices.Sort(files)
	return files
}

// Hotspots returns the files changed by more than one worktree, with the
// worktrees that changed each.
func (m *Matrix) Hotspots() map[string][]string {
	spots := make(map[string][]string)
	for _, p := range m.Pairs {
		for _, f := range p.Files {
			for _, id := range []string{p.A, p.B} {
				if !slices.Contains(spots[f], id) {
					spots[f] = append(spots[f], id)
				}
			}
		}
	}
	for f := range spots {
		slices.Sort(spots[f])
	}
	return spots
}
