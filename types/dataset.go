package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Top-level keys of the dataset file that are not collections.
const (
	KeyMeta        = "meta"
	KeyIndexes     = "indexes"
	KeyCache       = "cache"
	KeySync        = "sync"
	KeyMaintenance = "maintenance"
)

// SchemaName identifies files written by this engine.
const SchemaName = "secura-db"

// SchemaVersion is the structural version stamped into meta.version.
const SchemaVersion = "2.0.0"

// IsReservedKey reports whether name is a top-level sub-document key.
func IsReservedKey(name string) bool {
	switch name {
	case KeyMeta, KeyIndexes, KeyCache, KeySync, KeyMaintenance:
		return true
	}
	return false
}

// Indexes maps collection -> index name -> indexed value -> document ids.
type Indexes map[string]map[string]map[string][]string

// Dataset is the whole persisted file: every collection plus metadata.
//
// Nil sub-documents and absent collection keys mean "missing from the
// file"; structural migration relies on that distinction.
type Dataset struct {
	Meta        *Meta
	Collections map[string][]Document
	Indexes     Indexes
	Cache       map[string]interface{}
	Sync        *SyncState
	Maintenance *Maintenance
}

// Meta carries the schema version, checksum and aggregate statistics.
type Meta struct {
	Version    string      `json:"version"`
	Schema     string      `json:"schema"`
	Checksum   string      `json:"checksum"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Stats      Stats       `json:"stats"`
	Migrations []Migration `json:"migrations"`
}

// Stats are recomputed on every save.
type Stats struct {
	Collections    map[string]int `json:"collections"`
	TotalDocuments int            `json:"totalDocuments"`
	LastSaveBytes  int            `json:"lastSaveBytes"`
}

// Migration records one structural change applied on load.
type Migration struct {
	ID          string    `json:"id"`
	FromVersion string    `json:"fromVersion"`
	ToVersion   string    `json:"toVersion"`
	Changes     []string  `json:"changes"`
	AppliedAt   time.Time `json:"appliedAt"`
}

// SyncState is the dataset's view of remote synchronization.
type SyncState struct {
	LastPull       *time.Time       `json:"lastPull"`
	LastPush       *time.Time       `json:"lastPush"`
	PendingChanges []PendingChange  `json:"pendingChanges"`
	Conflicts      []ConflictRecord `json:"conflicts"`
	SyncLog        []SyncLogEntry   `json:"syncLog"`
	Status         string           `json:"status"`
}

// PendingChange is a document the remote has and the dataset does not yet.
type PendingChange struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	DetectedAt time.Time `json:"detectedAt"`
}

// SyncLogEntry summarizes one sync run.
type SyncLogEntry struct {
	Reason     string    `json:"reason"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Conflicts  int       `json:"conflicts"`
	Errors     []string  `json:"errors,omitempty"`
	DurationMS int64     `json:"durationMs"`
	At         time.Time `json:"at"`
}

// Sync status values.
const (
	SyncStatusIdle    = "idle"
	SyncStatusSyncing = "syncing"
	SyncStatusError   = "error"
	SyncStatusOffline = "offline"
)

// Maintenance holds results of periodic housekeeping.
type Maintenance struct {
	LastCleanup    *time.Time `json:"lastCleanup"`
	LastValidation *time.Time `json:"lastValidation"`
	Issues         []string   `json:"issues"`
}

// NewDataset returns the canonical initial structure for the given collections.
func NewDataset(collections []string, now time.Time) *Dataset {
	ds := &Dataset{
		Meta:        NewMeta(now),
		Collections: make(map[string][]Document, len(collections)),
		Indexes:     Indexes{},
		Cache:       map[string]interface{}{},
		Sync:        NewSyncState(),
		Maintenance: NewMaintenance(),
	}
	for _, name := range collections {
		ds.Collections[name] = []Document{}
	}
	return ds
}

// NewMeta returns default metadata.
func NewMeta(now time.Time) *Meta {
	return &Meta{
		Version:    SchemaVersion,
		Schema:     SchemaName,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
		Stats:      Stats{Collections: map[string]int{}},
		Migrations: []Migration{},
	}
}

// NewSyncState returns the default sync sub-document.
func NewSyncState() *SyncState {
	return &SyncState{
		PendingChanges: []PendingChange{},
		Conflicts:      []ConflictRecord{},
		SyncLog:        []SyncLogEntry{},
		Status:         SyncStatusIdle,
	}
}

// NewMaintenance returns the default maintenance sub-document.
func NewMaintenance() *Maintenance {
	return &Maintenance{Issues: []string{}}
}

// Collection returns the documents of name (nil when absent).
func (ds *Dataset) Collection(name string) []Document {
	if ds.Collections == nil {
		return nil
	}
	return ds.Collections[name]
}

// SetCollection replaces a collection wholesale.
func (ds *Dataset) SetCollection(name string, docs []Document) {
	if ds.Collections == nil {
		ds.Collections = map[string][]Document{}
	}
	if docs == nil {
		docs = []Document{}
	}
	ds.Collections[name] = docs
}

// CollectionNames returns the collection names in sorted order.
func (ds *Dataset) CollectionNames() []string {
	names := make([]string, 0, len(ds.Collections))
	for name := range ds.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RefreshStats recomputes per-collection document counts.
func (ds *Dataset) RefreshStats() {
	if ds.Meta == nil {
		return
	}
	stats := Stats{Collections: make(map[string]int, len(ds.Collections)), LastSaveBytes: ds.Meta.Stats.LastSaveBytes}
	for name, docs := range ds.Collections {
		stats.Collections[name] = len(docs)
		stats.TotalDocuments += len(docs)
	}
	ds.Meta.Stats = stats
}

// Clone deep-copies the dataset. Transactions and readers work on clones
// so a half-applied mutation is never visible through the store.
func (ds *Dataset) Clone() *Dataset {
	if ds == nil {
		return nil
	}
	out := &Dataset{}
	if ds.Meta != nil {
		m := *ds.Meta
		m.Stats.Collections = make(map[string]int, len(ds.Meta.Stats.Collections))
		for k, v := range ds.Meta.Stats.Collections {
			m.Stats.Collections[k] = v
		}
		m.Migrations = make([]Migration, len(ds.Meta.Migrations))
		for i, mig := range ds.Meta.Migrations {
			mig.Changes = append(make([]string, 0, len(mig.Changes)), mig.Changes...)
			m.Migrations[i] = mig
		}
		out.Meta = &m
	}
	if ds.Collections != nil {
		out.Collections = make(map[string][]Document, len(ds.Collections))
		for name, docs := range ds.Collections {
			copied := make([]Document, len(docs))
			for i, doc := range docs {
				copied[i] = doc.Clone()
			}
			out.Collections[name] = copied
		}
	}
	if ds.Indexes != nil {
		out.Indexes = make(Indexes, len(ds.Indexes))
		for coll, byName := range ds.Indexes {
			out.Indexes[coll] = make(map[string]map[string][]string, len(byName))
			for name, byValue := range byName {
				values := make(map[string][]string, len(byValue))
				for v, ids := range byValue {
					values[v] = append([]string(nil), ids...)
				}
				out.Indexes[coll][name] = values
			}
		}
	}
	if ds.Cache != nil {
		out.Cache = CloneValue(ds.Cache).(map[string]interface{})
	}
	if ds.Sync != nil {
		s := *ds.Sync
		s.PendingChanges = append(make([]PendingChange, 0, len(ds.Sync.PendingChanges)), ds.Sync.PendingChanges...)
		s.Conflicts = make([]ConflictRecord, len(ds.Sync.Conflicts))
		for i, c := range ds.Sync.Conflicts {
			c.Local = c.Local.Clone()
			c.Remote = c.Remote.Clone()
			s.Conflicts[i] = c
		}
		s.SyncLog = append(make([]SyncLogEntry, 0, len(ds.Sync.SyncLog)), ds.Sync.SyncLog...)
		out.Sync = &s
	}
	if ds.Maintenance != nil {
		m := *ds.Maintenance
		m.Issues = append(make([]string, 0, len(ds.Maintenance.Issues)), ds.Maintenance.Issues...)
		out.Maintenance = &m
	}
	return out
}

// MarshalJSON writes sub-documents and collections as top-level keys.
// encoding/json sorts map keys, so the output is deterministic.
func (ds *Dataset) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(ds.Collections)+5)
	for name, docs := range ds.Collections {
		if docs == nil {
			docs = []Document{}
		}
		out[name] = docs
	}
	if ds.Meta != nil {
		out[KeyMeta] = ds.Meta
	}
	if ds.Indexes != nil {
		out[KeyIndexes] = ds.Indexes
	}
	if ds.Cache != nil {
		out[KeyCache] = ds.Cache
	}
	if ds.Sync != nil {
		out[KeySync] = ds.Sync
	}
	if ds.Maintenance != nil {
		out[KeyMaintenance] = ds.Maintenance
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the top-level object into sub-documents and collections.
func (ds *Dataset) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*ds = Dataset{Collections: map[string][]Document{}}
	for key, value := range raw {
		switch key {
		case KeyMeta:
			ds.Meta = &Meta{}
			if err := json.Unmarshal(value, ds.Meta); err != nil {
				return fmt.Errorf("meta: %w", err)
			}
		case KeyIndexes:
			ds.Indexes = Indexes{}
			if err := json.Unmarshal(value, &ds.Indexes); err != nil {
				return fmt.Errorf("indexes: %w", err)
			}
		case KeyCache:
			ds.Cache = map[string]interface{}{}
			if err := json.Unmarshal(value, &ds.Cache); err != nil {
				return fmt.Errorf("cache: %w", err)
			}
		case KeySync:
			ds.Sync = &SyncState{}
			if err := json.Unmarshal(value, ds.Sync); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
		case KeyMaintenance:
			ds.Maintenance = &Maintenance{}
			if err := json.Unmarshal(value, ds.Maintenance); err != nil {
				return fmt.Errorf("maintenance: %w", err)
			}
		default:
			trimmed := bytes.TrimSpace(value)
			if len(trimmed) == 0 || trimmed[0] != '[' {
				return fmt.Errorf("collection %q is not an array", key)
			}
			var docs []Document
			if err := json.Unmarshal(trimmed, &docs); err != nil {
				return fmt.Errorf("collection %q: %w", key, err)
			}
			if docs == nil {
				docs = []Document{}
			}
			ds.Collections[key] = docs
		}
	}
	return nil
}
