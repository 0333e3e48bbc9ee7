package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/Dev-Stive/securadb/securadb/index"
	"github.com/Dev-Stive/securadb/types"
)

// Issue kinds reported by ValidateIntegrity.
const (
	IssueParse      = "parse"
	IssueStructure  = "structure"
	IssueCollection = "collection"
	IssueMeta       = "meta"
	IssueDocument   = "document"
	IssueDuplicate  = "duplicate_id"
	IssueIndex      = "index"
	IssueOrphan     = "orphan"
	IssueChecksum   = "checksum"
)

// Issue is a single integrity finding.
type Issue struct {
	Kind       string `json:"kind"`
	Collection string `json:"collection,omitempty"`
	ID         string `json:"id,omitempty"`
	Message    string `json:"message"`
	Fixable    bool   `json:"fixable"`
}

func (i Issue) String() string { return i.Kind + ": " + i.Message }

// IntegrityReport is the result of ValidateIntegrity. Fixes lists the
// subset of errors and warnings AttemptAutoRepair can correct.
type IntegrityReport struct {
	Valid     bool      `json:"valid"`
	Errors    []Issue   `json:"errors"`
	Warnings  []Issue   `json:"warnings"`
	Fixes     []Issue   `json:"fixes"`
	CheckedAt time.Time `json:"checkedAt"`
}

func (r *IntegrityReport) addError(i Issue) {
	r.Errors = append(r.Errors, i)
	if i.Fixable {
		r.Fixes = append(r.Fixes, i)
	}
}

func (r *IntegrityReport) addWarning(i Issue) {
	r.Warnings = append(r.Warnings, i)
	if i.Fixable {
		r.Fixes = append(r.Fixes, i)
	}
}

// Summary renders every finding on its own line.
func (r IntegrityReport) Summary() []string {
	out := make([]string, 0, len(r.Errors)+len(r.Warnings))
	for _, i := range r.Errors {
		out = append(out, "error: "+i.String())
	}
	for _, i := range r.Warnings {
		out = append(out, "warning: "+i.String())
	}
	return out
}

// ValidateIntegrity inspects the raw dataset file.
func (s *Store) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
	var data []byte
	err := s.locks.Execute(ReadOperation, func() error {
		if s.closed {
			return &types.StorageNotInitializedError{Component: "document store"}
		}
		unlock, err := s.acquireFileLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		data, err = s.fs.ReadFile(s.path)
		return err
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return IntegrityReport{}, err
	}

	report := IntegrityReport{CheckedAt: s.timeFunc().UTC()}
	if errors.Is(err, fs.ErrNotExist) {
		report.addError(Issue{Kind: IssueStructure, Message: "dataset file does not exist", Fixable: true})
		return report, nil
	}
	s.inspect(data, &report)
	report.Valid = len(report.Errors) == 0
	return report, nil
}

func (s *Store) inspect(data []byte, report *IntegrityReport) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		report.addError(Issue{Kind: IssueParse, Message: "file is not a valid JSON object: " + err.Error()})
		return
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	structureOK := true
	for _, key := range keys {
		if types.IsReservedKey(key) {
			continue
		}
		trimmed := bytes.TrimSpace(raw[key])
		if len(trimmed) == 0 || trimmed[0] != '[' {
			report.addError(Issue{Kind: IssueCollection, Collection: key, Message: fmt.Sprintf("collection %q is not an array", key)})
			structureOK = false
		}
	}

	if rawMeta, ok := raw[types.KeyMeta]; !ok {
		report.addError(Issue{Kind: IssueMeta, Message: "meta is missing", Fixable: true})
	} else {
		var meta map[string]interface{}
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			report.addError(Issue{Kind: IssueMeta, Message: "meta is not an object"})
			structureOK = false
		} else {
			for _, field := range []string{"version", "schema", "createdAt"} {
				if v, ok := meta[field]; !ok || v == "" || v == nil {
					report.addError(Issue{Kind: IssueMeta, Message: "meta." + field + " is missing", Fixable: true})
				}
			}
		}
	}

	for _, key := range []string{types.KeyIndexes, types.KeyCache, types.KeySync, types.KeyMaintenance} {
		if _, ok := raw[key]; !ok {
			report.addWarning(Issue{Kind: IssueStructure, Message: key + " is missing", Fixable: true})
		}
	}

	if !structureOK {
		return
	}
	ds, err := parseDataset(data)
	if err != nil {
		report.addError(Issue{Kind: IssueParse, Message: err.Error()})
		return
	}

	for _, name := range s.collections {
		if _, ok := ds.Collections[name]; !ok {
			report.addWarning(Issue{Kind: IssueStructure, Collection: name, Message: "collection " + name + " is missing", Fixable: true})
		}
	}

	present := make(map[string]map[string]bool, len(ds.Collections))
	for _, name := range ds.CollectionNames() {
		ids := map[string]bool{}
		for i, doc := range ds.Collections[name] {
			id, ok := doc[types.FieldID].(string)
			if !ok || id == "" {
				report.addError(Issue{Kind: IssueDocument, Collection: name, Message: fmt.Sprintf("document at position %d has no string id", i)})
				continue
			}
			if ids[id] {
				report.addError(Issue{Kind: IssueDuplicate, Collection: name, ID: id, Message: fmt.Sprintf("duplicate id %q in %s", id, name)})
				continue
			}
			ids[id] = true
		}
		present[name] = ids
	}

	for _, problem := range index.Dangling(ds) {
		report.addWarning(Issue{Kind: IssueIndex, Message: problem, Fixable: true})
	}

	for _, schema := range s.Schemas() {
		for _, field := range index.Missing(ds, schema.Name, schema.IndexedFields) {
			report.addWarning(Issue{Kind: IssueIndex, Collection: schema.Name, Message: fmt.Sprintf("index %s on %s is missing", types.IndexName(field), schema.Name), Fixable: true})
		}
		for _, ref := range schema.References {
			targets := present[ref.Target]
			for _, doc := range ds.Collections[schema.Name] {
				v, ok := doc.Get(ref.Field)
				target, isString := v.(string)
				if !ok || !isString || target == "" || targets[target] {
					continue
				}
				report.addWarning(Issue{
					Kind:       IssueOrphan,
					Collection: schema.Name,
					ID:         doc.ID(),
					Message:    fmt.Sprintf("%s/%s references missing %s/%s via %s", schema.Name, doc.ID(), ref.Target, target, ref.Field),
					Fixable:    true,
				})
			}
		}
	}

	if ds.Meta != nil && ds.Meta.Checksum != "" {
		actual, err := Checksum(ds)
		if err == nil && actual != ds.Meta.Checksum {
			report.addWarning(Issue{Kind: IssueChecksum, Message: fmt.Sprintf("checksum mismatch: stored %s, computed %s", ds.Meta.Checksum, actual)})
		}
	}
}

// AttemptAutoRepair applies the fixable findings of report: it removes the
// orphan records identified there, regenerates indexes and injects missing
// structure. A pre_repair backup is taken first. Nothing is changed when
// the report has no fixes or carries unfixable errors that would make a
// repair guess.
func (s *Store) AttemptAutoRepair(ctx context.Context, report IntegrityReport) (bool, error) {
	if len(report.Fixes) == 0 {
		return false, nil
	}
	for _, issue := range report.Errors {
		if !issue.Fixable && (issue.Kind == IssueParse || issue.Kind == IssueCollection) {
			s.logger.Warn("auto-repair skipped: dataset structure is not repairable", "issue", issue.String())
			return false, nil
		}
	}

	if _, err := s.CreateBackup(ctx, "pre_repair", BackupOptions{Type: types.BackupAuto}); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("pre_repair backup failed: %w", err)
	}

	orphans := map[string]map[string]bool{}
	for _, issue := range report.Fixes {
		if issue.Kind != IssueOrphan {
			continue
		}
		if orphans[issue.Collection] == nil {
			orphans[issue.Collection] = map[string]bool{}
		}
		orphans[issue.Collection][issue.ID] = true
	}

	var applied []string
	err := s.locks.Execute(WriteOperation, func() error {
		if s.closed {
			return &types.StorageNotInitializedError{Component: "document store"}
		}
		unlock, err := s.acquireFileLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		ds := types.NewDataset(s.collections, s.timeFunc())
		data, err := s.fs.ReadFile(s.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			applied = append(applied, "created dataset file")
		case err != nil:
			return &types.ReadError{Path: s.path, Underlying: err}
		default:
			if ds, err = parseDataset(data); err != nil {
				return &types.ReadError{Path: s.path, Underlying: err}
			}
		}

		for collection, ids := range orphans {
			docs := ds.Collections[collection]
			kept := make([]types.Document, 0, len(docs))
			for _, doc := range docs {
				if ids[doc.ID()] {
					applied = append(applied, fmt.Sprintf("removed orphan %s/%s", collection, doc.ID()))
					continue
				}
				kept = append(kept, doc)
			}
			ds.SetCollection(collection, kept)
		}

		var changes []string
		ds, changes = s.MigrateStructure(ds)
		applied = append(applied, changes...)
		applied = append(applied, s.regenerateIndexes(ds)...)

		now := s.timeFunc().UTC()
		ds.Maintenance.LastValidation = &now
		ds.Maintenance.Issues = report.Summary()
		return s.saveLocked(ds, SaveOptions{Reason: "auto_repair", SkipEmergencyCopy: true})
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("auto-repair applied", "changes", strings.Join(applied, "; "))
	return true, nil
}

// regenerateIndexes rebuilds every index from schema declarations and the
// names already present ("by_<field>"), dropping indexes of collections
// that no longer exist.
func (s *Store) regenerateIndexes(ds *types.Dataset) []string {
	fields := map[string][]string{}
	for collection := range ds.Indexes {
		fields[collection] = index.Fields(ds, collection)
	}
	for _, schema := range s.schemas {
		fields[schema.Name] = append(fields[schema.Name], schema.IndexedFields...)
	}

	var applied []string
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, collection := range names {
		if _, ok := ds.Collections[collection]; !ok {
			index.Drop(ds, collection)
			applied = append(applied, "dropped indexes of missing collection "+collection)
			continue
		}
		index.Rebuild(ds, collection, dedupe(fields[collection]))
		applied = append(applied, "rebuilt indexes of "+collection)
	}
	return applied
}
