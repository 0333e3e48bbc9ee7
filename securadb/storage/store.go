// Package storage implements the document store: a single JSON file holding
// every collection, written with an atomic temp-file/rename protocol and
// protected by checksums, emergency copies and timestamped backups.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dev-Stive/securadb/types"
)

// DefaultSnapshotTTL is how long a loaded dataset serves cached loads.
const DefaultSnapshotTTL = 30 * time.Second

// DefaultLockTimeout bounds file-lock acquisition.
const DefaultLockTimeout = 10 * time.Second

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// UseCache allows the in-memory snapshot to answer the load.
	UseCache bool
	// ForceRefresh always reads the file, even when UseCache is set.
	ForceRefresh bool
}

// SaveOptions controls a single save.
type SaveOptions struct {
	Reason            string
	SkipEmergencyCopy bool
}

// Store owns the dataset file. All returned datasets are private clones:
// mutating them never affects the store until they are passed to Save.
type Store struct {
	path          string
	backupDir     string
	collections   []string
	schemas       map[string]types.CollectionSchema
	retentionDays int
	snapshotTTL   time.Duration
	lockTimeout   time.Duration

	fs          FileSystem
	lockFactory FileLockFactory
	fileLock    FileLock
	fileHeld    chan struct{}
	locks       *LockManager
	loads       singleflight.Group

	logger   *slog.Logger
	timeFunc func() time.Time

	snapshot   *types.Dataset
	snapshotAt time.Time
	lastSize   int
	closed     bool
}

// New creates a store for the dataset at path. The file is not touched
// until the first Load.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, &types.StorageNotInitializedError{Component: "document store (empty path)"}
	}

	s := &Store{
		path:        path,
		schemas:     map[string]types.CollectionSchema{},
		snapshotTTL: DefaultSnapshotTTL,
		lockTimeout: DefaultLockTimeout,
		locks:       NewLockManager(),
		timeFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.fs == nil {
		s.fs = OSFileSystem{}
	}
	if s.lockFactory == nil {
		s.lockFactory = FlockFactory{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.backupDir == "" {
		s.backupDir = filepath.Join(filepath.Dir(path), "backups")
	}
	s.collections = dedupe(s.collections)
	s.fileLock = s.lockFactory.New(path + ".lock")
	s.fileHeld = make(chan struct{}, 1)

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	for _, t := range types.BackupTypes {
		if err := s.fs.MkdirAll(filepath.Join(s.backupDir, string(t)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
	return s, nil
}

// Path returns the dataset file path.
func (s *Store) Path() string { return s.path }

// BackupDir returns the root of the backup tree.
func (s *Store) BackupDir() string { return s.backupDir }

// RegisterSchema adds a collection schema after construction.
func (s *Store) RegisterSchema(schema types.CollectionSchema) {
	_ = s.locks.Execute(WriteOperation, func() error {
		s.schemas[schema.Name] = schema
		s.collections = dedupe(append(s.collections, schema.Name))
		return nil
	})
}

// Schemas returns the registered schemas sorted by collection name.
func (s *Store) Schemas() []types.CollectionSchema {
	var out []types.CollectionSchema
	_ = s.locks.Execute(ReadOperation, func() error {
		for _, schema := range s.schemas {
			out = append(out, schema)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns a private copy of the dataset.
func (s *Store) Load(ctx context.Context, opts LoadOptions) (*types.Dataset, error) {
	if opts.UseCache && !opts.ForceRefresh {
		var cached *types.Dataset
		err := s.locks.Execute(ReadOperation, func() error {
			if s.closed {
				return &types.StorageNotInitializedError{Component: "document store"}
			}
			if s.snapshot != nil && (s.snapshotTTL <= 0 || s.timeFunc().Sub(s.snapshotAt) < s.snapshotTTL) {
				cached = s.snapshot.Clone()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return cached, nil
		}
	}

	v, err, _ := s.loads.Do("load", func() (interface{}, error) {
		var ds *types.Dataset
		err := s.locks.Execute(WriteOperation, func() error {
			if s.closed {
				return &types.StorageNotInitializedError{Component: "document store"}
			}
			unlock, err := s.acquireFileLock(ctx)
			if err != nil {
				return err
			}
			defer unlock()

			ds, err = s.loadLocked(ctx)
			return err
		})
		return ds, err
	})
	if err != nil {
		return nil, err
	}
	// Callers sharing a singleflight result must not share the dataset.
	return v.(*types.Dataset).Clone(), nil
}

// loadLocked reads the file, self-heals a broken one and applies
// structural migration. Caller holds both locks.
func (s *Store) loadLocked(ctx context.Context) (*types.Dataset, error) {
	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		ds := types.NewDataset(s.collections, s.timeFunc())
		s.logger.Info("creating dataset", "path", s.path, "collections", len(s.collections))
		if err := s.saveLocked(ds, SaveOptions{Reason: "initialize", SkipEmergencyCopy: true}); err != nil {
			return nil, err
		}
		return ds, nil
	}

	var ds *types.Dataset
	if err == nil {
		ds, err = parseDataset(data)
	}

	recovered := false
	if err != nil {
		readErr := &types.ReadError{Path: s.path, Underlying: err}
		s.logger.Error("dataset unreadable, attempting recovery", "path", s.path, "error", err)
		ds = s.recoverLocked(ctx)
		if ds == nil {
			return nil, readErr
		}
		recovered = true
	} else {
		s.lastSize = len(data)
		s.warnOnChecksumMismatch(ds)
	}

	ds, changes := s.MigrateStructure(ds)
	if recovered || len(changes) > 0 {
		reason := "migration"
		if recovered {
			reason = "recovered"
		}
		if len(changes) > 0 {
			s.logger.Info("dataset structure migrated", "path", s.path, "changes", changes)
		}
		if err := s.saveLocked(ds, SaveOptions{Reason: reason, SkipEmergencyCopy: recovered}); err != nil {
			return nil, err
		}
		return ds, nil
	}

	s.setSnapshot(ds)
	return ds, nil
}

// recoverLocked tries the .bak copy, then backups newest first.
func (s *Store) recoverLocked(ctx context.Context) *types.Dataset {
	if data, err := s.fs.ReadFile(s.bakPath()); err == nil {
		if ds, err := parseDataset(data); err == nil {
			s.logger.Warn("recovered dataset from rollback copy", "path", s.bakPath())
			return ds
		}
	}

	backups, err := s.listBackups()
	if err != nil {
		s.logger.Error("cannot list backups for recovery", "error", err)
		return nil
	}
	for _, b := range backups {
		if ctx.Err() != nil {
			return nil
		}
		ds, err := s.readBackup(b.Path, false)
		if err != nil {
			s.logger.Warn("skipping backup during recovery", "path", b.Path, "error", err)
			continue
		}
		s.logger.Warn("recovered dataset from backup", "path", b.Path)
		return ds
	}
	return nil
}

func (s *Store) warnOnChecksumMismatch(ds *types.Dataset) {
	if ds.Meta == nil || ds.Meta.Checksum == "" {
		return
	}
	actual, err := Checksum(ds)
	if err != nil {
		return
	}
	if actual != ds.Meta.Checksum {
		s.logger.Warn("dataset checksum mismatch", "path", s.path, "expected", ds.Meta.Checksum, "actual", actual)
	}
}

// Save persists ds through the atomic write protocol. ds is stamped with
// updatedAt, stats and checksum; on success it becomes the new snapshot.
func (s *Store) Save(ctx context.Context, ds *types.Dataset, opts SaveOptions) error {
	if ds == nil {
		return &types.ValidationError{Message: "cannot save a nil dataset"}
	}
	return s.locks.Execute(WriteOperation, func() error {
		if s.closed {
			return &types.StorageNotInitializedError{Component: "document store"}
		}
		unlock, err := s.acquireFileLock(ctx)
		if err != nil {
			return err
		}
		defer unlock()
		return s.saveLocked(ds, opts)
	})
}

// Invalidate drops the snapshot so the next load reads the file.
func (s *Store) Invalidate() {
	_ = s.locks.Execute(WriteOperation, func() error {
		s.snapshot = nil
		return nil
	})
}

func (s *Store) setSnapshot(ds *types.Dataset) {
	s.snapshot = ds.Clone()
	s.snapshotAt = s.timeFunc()
}

// Close releases the store. Subsequent operations fail with
// StorageNotInitializedError.
func (s *Store) Close() error {
	return s.locks.Execute(WriteOperation, func() error {
		s.closed = true
		s.snapshot = nil
		return nil
	})
}

func parseDataset(data []byte) (*types.Dataset, error) {
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}
	ds := &types.Dataset{}
	if err := json.Unmarshal(data, ds); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return ds, nil
}

func (s *Store) tmpPath() string { return s.path + ".tmp" }
func (s *Store) bakPath() string { return s.path + ".bak" }

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
