package storage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Dev-Stive/securadb/types"
)

// MigrateStructure compares ds with the initial structure and injects every
// missing sub-document or collection. When anything was added, a migration
// entry listing the changes is appended to meta.migrations. Empty slices
// that decoded as null are normalized without being reported.
func (s *Store) MigrateStructure(ds *types.Dataset) (*types.Dataset, []string) {
	now := s.timeFunc().UTC()
	if ds == nil {
		return types.NewDataset(s.collections, now), []string{"created initial structure"}
	}

	var changes []string
	fromVersion := ""

	if ds.Meta == nil {
		ds.Meta = types.NewMeta(now)
		changes = append(changes, "added meta")
	} else {
		fromVersion = ds.Meta.Version
		if ds.Meta.Schema == "" {
			ds.Meta.Schema = types.SchemaName
			changes = append(changes, "added meta.schema")
		}
		if ds.Meta.CreatedAt.IsZero() {
			ds.Meta.CreatedAt = now
			changes = append(changes, "added meta.createdAt")
		}
		if ds.Meta.Version != types.SchemaVersion {
			ds.Meta.Version = types.SchemaVersion
			changes = append(changes, fmt.Sprintf("version %q -> %q", fromVersion, types.SchemaVersion))
		}
		if ds.Meta.Stats.Collections == nil {
			ds.Meta.Stats.Collections = map[string]int{}
		}
		if ds.Meta.Migrations == nil {
			ds.Meta.Migrations = []types.Migration{}
		}
	}

	if ds.Collections == nil {
		ds.Collections = map[string][]types.Document{}
	}
	for _, name := range s.collections {
		if _, ok := ds.Collections[name]; !ok {
			ds.Collections[name] = []types.Document{}
			changes = append(changes, "added collection "+name)
		}
	}

	if ds.Indexes == nil {
		ds.Indexes = types.Indexes{}
		changes = append(changes, "added indexes")
	}
	if ds.Cache == nil {
		ds.Cache = map[string]interface{}{}
		changes = append(changes, "added cache")
	}
	if ds.Sync == nil {
		ds.Sync = types.NewSyncState()
		changes = append(changes, "added sync")
	} else {
		if ds.Sync.PendingChanges == nil {
			ds.Sync.PendingChanges = []types.PendingChange{}
		}
		if ds.Sync.Conflicts == nil {
			ds.Sync.Conflicts = []types.ConflictRecord{}
		}
		if ds.Sync.SyncLog == nil {
			ds.Sync.SyncLog = []types.SyncLogEntry{}
		}
		if ds.Sync.Status == "" {
			ds.Sync.Status = types.SyncStatusIdle
		}
	}
	if ds.Maintenance == nil {
		ds.Maintenance = types.NewMaintenance()
		changes = append(changes, "added maintenance")
	} else if ds.Maintenance.Issues == nil {
		ds.Maintenance.Issues = []string{}
	}

	if len(changes) > 0 {
		ds.Meta.Migrations = append(ds.Meta.Migrations, types.Migration{
			ID:          uuid.NewString(),
			FromVersion: fromVersion,
			ToVersion:   types.SchemaVersion,
			Changes:     changes,
			AppliedAt:   now,
		})
	}
	return ds, changes
}
