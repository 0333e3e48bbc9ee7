package storage

import (
	"log/slog"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// Option configures a Store.
type Option func(*Store)

// WithFileSystem sets a custom FileSystem implementation
func WithFileSystem(fs FileSystem) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithFileLockFactory sets a custom FileLockFactory implementation
func WithFileLockFactory(factory FileLockFactory) Option {
	return func(s *Store) {
		s.lockFactory = factory
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Store) {
		s.timeFunc = fn
	}
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithBackupDir sets the root of the auto/manual/emergency backup tree.
// Defaults to "<dir of dataset>/backups".
func WithBackupDir(dir string) Option {
	return func(s *Store) {
		s.backupDir = dir
	}
}

// WithRetentionDays sets how long backups are kept. Zero disables cleanup.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		s.retentionDays = days
	}
}

// WithCollections declares the collections of the initial structure.
// Missing ones are injected by MigrateStructure.
func WithCollections(names ...string) Option {
	return func(s *Store) {
		s.collections = append(s.collections, names...)
	}
}

// WithSchemas registers collection schemas. Their collections become part
// of the initial structure, and their indexed fields and references are
// checked by ValidateIntegrity.
func WithSchemas(schemas ...types.CollectionSchema) Option {
	return func(s *Store) {
		for _, schema := range schemas {
			s.schemas[schema.Name] = schema
			s.collections = append(s.collections, schema.Name)
		}
	}
}

// WithSnapshotTTL sets how long a loaded snapshot may serve cached loads.
// Zero keeps it until invalidated.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.snapshotTTL = ttl
	}
}

// WithLockTimeout bounds how long file-lock acquisition may take.
func WithLockTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = timeout
	}
}
