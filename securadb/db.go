// Package securadb wires the document store, transactions, cache, remote
// sync and repositories into one explicitly constructed DB.
package securadb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Dev-Stive/securadb/internal/validation"
	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/remote"
	"github.com/Dev-Stive/securadb/securadb/repository"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/syncer"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// ShutdownBackupReason names the automatic backup taken by Close.
const ShutdownBackupReason = "shutdown"

// DB is an open database.
type DB struct {
	cfg      Config
	logger   *slog.Logger
	timeFunc func() time.Time

	store  *storage.Store
	cache  *cache.Layer
	tx     *txn.Manager
	remote remote.Remote
	sync   *syncer.Engine
	audit  *repository.AuditLog
	maint  *scheduler

	cancel context.CancelFunc
	bg     sync.WaitGroup

	mu     sync.Mutex
	repos  map[string]*repository.Repository
	closed bool
}

type options struct {
	logger   *slog.Logger
	timeFunc func() time.Time
	fs       storage.FileSystem
	remote   remote.Remote
	cache    *cache.Layer
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(fn func() time.Time) Option {
	return func(o *options) {
		o.timeFunc = fn
	}
}

// WithFileSystem routes dataset, backup and outbox I/O through fsys.
func WithFileSystem(fsys storage.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

// WithRemote uses rem instead of the one described by Config.Remote.
func WithRemote(rem remote.Remote) Option {
	return func(o *options) {
		o.remote = rem
	}
}

// WithCache uses layer instead of connecting per Config.Cache.
func WithCache(layer *cache.Layer) Option {
	return func(o *options) {
		o.cache = layer
	}
}

// Open builds every component, loads (creating or migrating) the dataset
// and starts the background loops.
func Open(ctx context.Context, cfg Config, opts ...Option) (*DB, error) {
	cfg = cfg.withDefaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeFunc == nil {
		o.timeFunc = time.Now
	}
	for _, schema := range cfg.Schemas {
		if err := validation.ValidateSchema(schema); err != nil {
			return nil, &types.ValidationError{Collection: schema.Name, Message: "invalid schema", Underlying: err}
		}
	}

	storeOpts := []storage.Option{
		storage.WithLogger(o.logger.With("component", "storage")),
		storage.WithTimeFunc(o.timeFunc),
		storage.WithBackupDir(cfg.BackupDir),
		storage.WithRetentionDays(cfg.RetentionDays),
		storage.WithCollections(cfg.Collections...),
		storage.WithSchemas(cfg.Schemas...),
	}
	if o.fs != nil {
		storeOpts = append(storeOpts, storage.WithFileSystem(o.fs))
	}
	if cfg.SnapshotTTL > 0 {
		storeOpts = append(storeOpts, storage.WithSnapshotTTL(cfg.SnapshotTTL))
	}
	if cfg.FileLockTimeout > 0 {
		storeOpts = append(storeOpts, storage.WithLockTimeout(cfg.FileLockTimeout))
	}
	store, err := storage.New(cfg.Path(), storeOpts...)
	if err != nil {
		return nil, err
	}
	if _, err := store.Load(ctx, storage.LoadOptions{ForceRefresh: true}); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	db := &DB{
		cfg:      cfg,
		logger:   o.logger,
		timeFunc: o.timeFunc,
		store:    store,
		audit:    repository.NewAuditLog(cfg.AuditSize),
		repos:    map[string]*repository.Repository{},
	}

	db.cache = o.cache
	if db.cache == nil {
		db.cache = cache.Connect(ctx, cfg.Cache, cache.WithLogger(o.logger.With("component", "cache")))
	}

	db.tx = txn.New(store,
		txn.WithLogger(o.logger.With("component", "txn")),
		txn.WithDefaults(txn.TxOptions{
			MaxRetries:  cfg.Transaction.MaxRetries,
			Timeout:     cfg.Transaction.Timeout,
			LockTimeout: cfg.Transaction.LockTimeout,
			RetryBase:   cfg.Transaction.RetryBase,
		}),
	)

	db.remote = o.remote
	if db.remote == nil {
		db.remote, err = remote.Open(cfg.Remote)
		if err != nil {
			_ = db.release()
			return nil, fmt.Errorf("failed to open remote store: %w", err)
		}
	}

	syncOpts := []syncer.Option{
		syncer.WithLogger(o.logger.With("component", "sync")),
		syncer.WithTimeFunc(o.timeFunc),
		syncer.WithSchemas(cfg.Schemas...),
	}
	if o.fs != nil {
		syncOpts = append(syncOpts, syncer.WithFileSystem(o.fs))
	}
	db.sync, err = syncer.New(cfg.Sync.Config, store, db.tx, db.remote, syncOpts...)
	if err != nil {
		_ = db.release()
		return nil, err
	}

	db.tx.OnCommit(db.onCommit)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	db.cancel = cancel
	if cfg.Watch {
		db.bg.Add(1)
		go func() {
			defer db.bg.Done()
			if err := store.Watch(runCtx); err != nil {
				db.logger.Warn("dataset watch stopped", "error", err)
			}
		}()
	}
	if db.syncEnabled() {
		db.sync.Start(runCtx)
	}
	if !cfg.Maintenance.Disabled {
		db.maint = newScheduler(db, cfg.Maintenance)
		db.maint.start(runCtx)
	}

	db.logger.Info("database opened",
		"path", store.Path(),
		"cache", db.cache.Backend(),
		"remote", remoteName(db.remote),
		"strategy", db.sync.Status().Strategy,
	)
	return db, nil
}

func remoteName(rem remote.Remote) string {
	if rem == nil {
		return "none"
	}
	return rem.Name()
}

func (db *DB) syncEnabled() bool {
	return db.remote != nil && !db.cfg.Sync.Disabled
}

// onCommit drops cached reads of the changed collections and queues them
// for the remote.
func (db *DB) onCommit(ctx context.Context, c txn.Commit) {
	for _, name := range c.Changed {
		db.cache.ClearNamespace(ctx, name)
	}
	if c.SkipSync || len(c.Changed) == 0 || !db.syncEnabled() {
		return
	}
	if err := db.sync.Enqueue(c.Reason, c.Changed); err != nil {
		db.logger.Warn("failed to queue sync request", "reason", c.Reason, "error", err)
	}
}

// Repository returns the repository of schema.Name, creating it on first
// use. Later calls for the same collection return the same repository
// and ignore schema and opts.
func (db *DB) Repository(schema types.CollectionSchema, opts ...repository.Option) (*repository.Repository, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, &types.StorageNotInitializedError{Component: "database"}
	}
	if repo, ok := db.repos[schema.Name]; ok {
		return repo, nil
	}

	base := []repository.Option{
		repository.WithCache(db.cache, 0),
		repository.WithAuditLog(db.audit),
		repository.WithLogger(db.logger.With("component", "repository")),
		repository.WithTimeFunc(db.timeFunc),
	}
	repo, err := repository.New(schema, db.store, db.tx, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	db.store.RegisterSchema(schema)
	db.sync.RegisterSchema(schema)
	db.repos[schema.Name] = repo
	return repo, nil
}

// Transaction runs fn through the transaction manager.
func (db *DB) Transaction(ctx context.Context, fn txn.Func, opts txn.TxOptions) error {
	return db.tx.Transaction(ctx, fn, opts)
}

// Config returns the effective configuration.
func (db *DB) Config() Config { return db.cfg }

// Store exposes the document store.
func (db *DB) Store() *storage.Store { return db.store }

// Cache exposes the cache layer.
func (db *DB) Cache() *cache.Layer { return db.cache }

// Transactions exposes the transaction manager.
func (db *DB) Transactions() *txn.Manager { return db.tx }

// Sync exposes the sync engine.
func (db *DB) Sync() *syncer.Engine { return db.sync }

// Remote returns the remote store, or nil when none is configured.
func (db *DB) Remote() remote.Remote { return db.remote }

// AuditLog returns the audit entries of every repository, oldest first.
func (db *DB) AuditLog() []repository.AuditEntry { return db.audit.Entries() }

// Close stops the background loops, waits for an in-flight sync within
// the grace period, takes a shutdown backup unless configured not to, and
// releases every resource.
// The backup is best effort; its failure is logged, not returned.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.maint != nil {
		db.maint.stop()
	}
	if err := db.sync.Stop(ctx); err != nil {
		db.logger.Warn("sync did not stop cleanly", "error", err)
	}
	if db.cancel != nil {
		db.cancel()
	}
	db.bg.Wait()

	if !db.cfg.SkipShutdownBackup {
		if info, err := db.store.CreateBackup(ctx, ShutdownBackupReason, storage.BackupOptions{Type: types.BackupAuto}); err != nil {
			db.logger.Warn("shutdown backup failed", "error", err)
		} else {
			db.logger.Info("shutdown backup created", "file", info.Filename)
		}
	}

	return db.release()
}

// release closes cache, remote and store.
func (db *DB) release() error {
	var errs []error
	if db.cache != nil {
		if err := db.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if db.remote != nil {
		if err := db.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	if err := db.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
