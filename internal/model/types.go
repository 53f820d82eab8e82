package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Purpose classifies why a worktree exists. It is also the first segment of
// the worktree ID ("feature-auth" has purpose "feature").
type Purpose string

const (
	PurposeReview     Purpose = "review"
	PurposeFeature    Purpose = "feature"
	PurposeBugfix     Purpose = "bugfix"
	PurposeTest       Purpose = "test"
	PurposeHotfix     Purpose = "hotfix"
	PurposeExperiment Purpose = "experiment"
)

// Purposes lists every valid Purpose in display order.
var Purposes = []Purpose{
	PurposeReview, PurposeFeature, PurposeBugfix,
	PurposeTest, PurposeHotfix, PurposeExperiment,
}

// String returns the string representation of Purpose.
func (p Purpose) String() string {
	return string(p)
}

// IsValid checks whether the Purpose value is one of the predefined purposes.
func (p Purpose) IsValid() bool {
	return slices.Contains(Purposes, p)
}

// ParsePurpose converts a string to a Purpose (case-insensitive).
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(strings.ToLower(s))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid purpose: %q (valid: review, feature, bugfix, test, hotfix, experiment)", s)
	}
	return p, nil
}

// EntryStatus represents the lifecycle state of a registry entry.
// The state transitions are:
//
//	[Created] → active ⇄ locked
//	active/locked → pending_removal → [Deleted after grace period]
//	pending_removal → active (restore-entry)
type EntryStatus string

const (
	// StatusActive is the normal state of a worktree in use.
	StatusActive EntryStatus = "active"

	// StatusLocked marks a worktree the operator wants kept regardless of
	// staleness signals (e.g. a worktree on removable media).
	StatusLocked EntryStatus = "locked"

	// StatusPendingRemoval marks an entry scheduled for deletion once the
	// grace period has elapsed.
	StatusPendingRemoval EntryStatus = "pending_removal"
)

// String returns the string representation of EntryStatus.
func (s EntryStatus) String() string {
	return string(s)
}

// IsValid checks whether the EntryStatus value is one of the three states.
func (s EntryStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusLocked, StatusPendingRemoval:
		return true
	default:
		return false
	}
}

// ParseEntryStatus converts a string to an EntryStatus (case-insensitive).
func ParseEntryStatus(s string) (EntryStatus, error) {
	status := EntryStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid entry status: %q (valid: active, locked, pending_removal)", s)
	}
	return status, nil
}

// Service names a class of network service. Each service owns one
// configured port range.
type Service string

const (
	ServiceWeb      Service = "web"
	ServiceAPI      Service = "api"
	ServiceDatabase Service = "database"
	ServiceCache    Service = "cache"
	ServiceDebug    Service = "debug"
	ServiceTest     Service = "test"
)

// Services lists every valid Service in display order.
var Services = []Service{
	ServiceWeb, ServiceAPI, ServiceDatabase,
	ServiceCache, ServiceDebug, ServiceTest,
}

// String returns the string representation of Service.
func (s Service) String() string {
	return string(s)
}

// IsValid checks whether the Service value is one of the predefined services.
func (s Service) IsValid() bool {
	return slices.Contains(Services, s)
}

// SpeaksHTTP reports whether the protocol-level health check for this
// service is an HTTP GET. Other services are checked with a TCP dial.
func (s Service) SpeaksHTTP() bool {
	return s == ServiceWeb || s == ServiceAPI || s == ServiceTest
}

// ParseService converts a string to a Service (case-insensitive).
func ParseService(s string) (Service, error) {
	svc := Service(strings.ToLower(s))
	if !svc.IsValid() {
		return "", fmt.Errorf("invalid service: %q (valid: web, api, database, cache, debug, test)", s)
	}
	return svc, nil
}

// HealthStatus is the outcome of the most recent health probe of a port.
type HealthStatus string

const (
	HealthUnknown    HealthStatus = "unknown"
	HealthHealthy    HealthStatus = "healthy"
	HealthUnhealthy  HealthStatus = "unhealthy"
	HealthNotRunning HealthStatus = "not_running"
)

// String returns the string representation of HealthStatus.
func (h HealthStatus) String() string {
	return string(h)
}

// IsValid checks whether the HealthStatus value is one of the four states.
func (h HealthStatus) IsValid() bool {
	switch h {
	case HealthUnknown, HealthHealthy, HealthUnhealthy, HealthNotRunning:
		return true
	default:
		return false
	}
}

// PortRange is a closed integer interval [Start, End] of TCP ports.
type PortRange struct {
	Start int `json:"start" yaml:"start" mapstructure:"start"`
	End   int `json:"end" yaml:"end" mapstructure:"end"`
}

// Contains reports whether port lies within the closed range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Start && port <= r.End
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// Overlaps reports whether two ranges share at least one port.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// String returns the range formatted as "start-end".
func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Metadata holds optional, free-form information about an entry.
type Metadata struct {
	// ExternalRef is an issue or pull-request identifier (e.g. "GH-142").
	ExternalRef string `json:"external_ref,omitempty"`

	// Notes is free text supplied by the operator.
	Notes string `json:"notes,omitempty"`
}

// WorktreeEntry is the registry record for one isolated working copy.
type WorktreeEntry struct {
	// ID is unique among entries and follows the "purpose-identifier"
	// convention (see ValidateID).
	ID string `json:"id"`

	// Path is relative to the directory that contains the trunk checkout,
	// and never points inside the trunk checkout itself.
	Path string `json:"path"`

	// Branch is the branch checked out in this worktree.
	Branch string `json:"branch"`

	Purpose Purpose     `json:"purpose"`
	Status  EntryStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`

	// StatusChangedAt records the last status transition. The grace period
	// of a pending_removal entry is measured from it.
	StatusChangedAt time.Time `json:"status_changed_at,omitzero"`

	// Ports is the set of ports owned by this entry, kept sorted and in
	// sync with the allocation records of the document.
	Ports []int `json:"ports"`

	Metadata Metadata `json:"metadata,omitzero"`

	// Revision is bumped by the store whenever any other field of the entry
	// changes. Plans and findings record it to detect that they went stale.
	Revision int64 `json:"revision"`
}

// PendingSince returns the instant the entry's current status began.
func (e *WorktreeEntry) PendingSince() time.Time {
	if !e.StatusChangedAt.IsZero() {
		return e.StatusChangedAt
	}
	return e.CreatedAt
}

// HasPort reports whether the entry owns port.
func (e *WorktreeEntry) HasPort(port int) bool {
	return slices.Contains(e.Ports, port)
}

// Clone returns a deep copy of the entry.
func (e *WorktreeEntry) Clone() WorktreeEntry {
	c := *e
	c.Ports = slices.Clone(e.Ports)
	return c
}

// PortAllocation records that a port in a service range belongs to exactly
// one worktree.
type PortAllocation struct {
	Port       int     `json:"port"`
	WorktreeID string  `json:"worktree_id"`
	Service    Service `json:"service"`

	AllocatedAt time.Time `json:"allocated_at"`

	// AllocatedBy identifies the caller that made the reservation,
	// formatted as "user@host:pid".
	AllocatedBy string `json:"allocated_by"`

	// ProcessID is the PID last observed listening on the port, if any.
	ProcessID int `json:"process_id,omitempty"`

	HealthStatus HealthStatus `json:"health_status"`
	CheckedAt    time.Time    `json:"checked_at,omitzero"`
}

// String returns a human-readable representation of the allocation.
// Format: "service:port → worktree"
func (p *PortAllocation) String() string {
	return fmt.Sprintf("%s:%d → %s", p.Service, p.Port, p.WorktreeID)
}

// MergeStatus classifies how a branch relates to trunk.
type MergeStatus string

const (
	// MergeClean means the branch is zero commits behind trunk.
	MergeClean MergeStatus = "clean"

	// MergeNeedsRebase means the branch is behind, and a trial rebase onto
	// trunk applies without conflicts.
	MergeNeedsRebase MergeStatus = "needs_rebase"

	// MergeConflicts means a trial rebase stops on hunk-level conflicts.
	MergeConflicts MergeStatus = "conflicts"

	// MergeDiverged means the branch is behind by more than the configured
	// threshold; re-deriving the work is advisable over rebasing it.
	MergeDiverged MergeStatus = "diverged"
)

// String returns the string representation of MergeStatus.
func (m MergeStatus) String() string {
	return string(m)
}

// MergeRecord is the derived merge readiness of one worktree. It is never
// persisted in the registry document.
type MergeRecord struct {
	WorktreeID       string      `json:"worktree_id"`
	Branch           string      `json:"branch"`
	CommitsAhead     int         `json:"commits_ahead"`
	CommitsBehind    int         `json:"commits_behind"`
	Status           MergeStatus `json:"status"`
	ConflictingFiles []string    `json:"conflicting_files,omitempty"`
}

// StaleReason names why an entry is considered stale. Reasons are listed
// from most to least severe.
type StaleReason string

const (
	ReasonDirectoryMissing StaleReason = "directory_missing"
	ReasonGraceExpired     StaleReason = "grace_expired"
	ReasonBranchMissing    StaleReason = "branch_missing"
	ReasonIdle             StaleReason = "idle"
)

// String returns the string representation of StaleReason.
func (r StaleReason) String() string {
	return string(r)
}
