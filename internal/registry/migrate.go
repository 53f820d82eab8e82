package registry

import (
	"encoding/json"
	"fmt"

	"github.com/shinji-kodama/worktree-registry/internal/model"
)

// decode parses a registry document and upgrades it to SchemaVersion.
// It reports whether a migration was applied.
//
// Schema 0 is the hand-maintained layout: no schema_version field, entries
// without status or revision, allocations without health_status.
func decode(data []byte) (*Document, bool, error) {
	var probe struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, false, err
	}
	if probe.SchemaVersion > SchemaVersion {
		return nil, false, fmt.Errorf("schema_version %d is newer than supported version %d; upgrade worktree-registry", probe.SchemaVersion, SchemaVersion)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	if doc.Worktrees == nil {
		doc.Worktrees = []model.WorktreeEntry{}
	}
	if doc.Allocations == nil {
		doc.Allocations = []model.PortAllocation{}
	}
	if doc.SchemaVersion == SchemaVersion {
		return &doc, false, nil
	}

	migrateV0(&doc)
	return &doc, true, nil
}

func migrateV0(doc *Document) {
	for i := range doc.Worktrees {
		e := &doc.Worktrees[i]
		if e.Status == "" {
			e.Status = model.StatusActive
		}
		if e.Revision == 0 {
			e.Revision = 1
		}
	}
	for i := range doc.Allocations {
		if doc.Allocations[i].HealthStatus == "" {
			doc.Allocations[i].HealthStatus = model.HealthUnknown
		}
	}
	doc.SyncPorts()
	doc.SchemaVersion = SchemaVersion
}
