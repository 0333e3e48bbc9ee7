// Package txn serializes load-mutate-save cycles against the document store.
//
// A transaction takes a keyed lock, loads a fresh private copy of the
// dataset, runs the caller's function against it under a timer and saves
// the result. Failed attempts are retried with exponential backoff unless
// the error says retrying cannot help.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/types"
)

// DefaultLockKey is the lock domain shared by every transaction that does
// not name its own. Each save rewrites the whole file, so writers must
// agree on one key to be serialized.
const DefaultLockKey = "dataset"

// Defaults applied to zero TxOptions fields.
const (
	DefaultMaxRetries  = 3
	DefaultTimeout     = 30 * time.Second
	DefaultLockTimeout = 30 * time.Second
	DefaultRetryBase   = 100 * time.Millisecond
)

// IsolationSerializable is the only isolation level: every transaction
// sees the latest committed file and commits atomically.
const IsolationSerializable = "serializable"

// Store is the part of the document store a transaction needs.
type Store interface {
	Load(ctx context.Context, opts storage.LoadOptions) (*types.Dataset, error)
	Save(ctx context.Context, ds *types.Dataset, opts storage.SaveOptions) error
}

// TxOptions tunes one transaction. Zero values select the defaults.
type TxOptions struct {
	// MaxRetries is the number of extra attempts after the first. Use a
	// negative value to disable retries.
	MaxRetries int
	Timeout    time.Duration
	Isolation  string
	// LockKey narrows the lock domain; DefaultLockKey when empty.
	LockKey       string
	LockTimeout   time.Duration
	TransactionID string
	Reason        string
	// SkipSync marks the commit as not worth pushing to the remote store.
	SkipSync  bool
	RetryBase time.Duration
}

// Func mutates ds in place. ds is a private copy; returning an error
// discards it.
type Func func(ctx context.Context, ds *types.Dataset, txID string) error

// Commit describes a successful transaction to commit hooks.
type Commit struct {
	TransactionID string
	Reason        string
	SkipSync      bool
	// Dataset is the saved dataset. Hooks must not modify it.
	Dataset *types.Dataset
	// Changed lists the collections whose documents changed.
	Changed []string
}

// CommitHook runs after a successful save, before the lock is released.
type CommitHook func(ctx context.Context, c Commit)

// Manager runs transactions against a Store.
type Manager struct {
	store    Store
	locks    *KeyedMutex
	defaults TxOptions
	logger   *slog.Logger

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLocks shares a KeyedMutex between managers.
func WithLocks(locks *KeyedMutex) Option {
	return func(m *Manager) {
		m.locks = locks
	}
}

// WithDefaults sets the options used for zero TxOptions fields.
func WithDefaults(opts TxOptions) Option {
	return func(m *Manager) {
		m.defaults = opts
	}
}

// New creates a Manager.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	if m.locks == nil {
		m.locks = NewKeyedMutex()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Locks exposes the lock table.
func (m *Manager) Locks() *KeyedMutex { return m.locks }

// OnCommit registers a hook run after every successful save.
func (m *Manager) OnCommit(hook CommitHook) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) resolve(opts TxOptions) TxOptions {
	d := m.defaults
	if opts.MaxRetries == 0 {
		opts.MaxRetries = d.MaxRetries
		if opts.MaxRetries == 0 {
			opts.MaxRetries = DefaultMaxRetries
		}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = firstPositive(d.Timeout, DefaultTimeout)
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = firstPositive(d.LockTimeout, DefaultLockTimeout)
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = firstPositive(d.RetryBase, DefaultRetryBase)
	}
	if opts.LockKey == "" {
		opts.LockKey = DefaultLockKey
		if d.LockKey != "" {
			opts.LockKey = d.LockKey
		}
	}
	if opts.Isolation == "" {
		opts.Isolation = IsolationSerializable
	}
	if opts.TransactionID == "" {
		opts.TransactionID = uuid.NewString()
	}
	if opts.Reason == "" {
		opts.Reason = "transaction"
	}
	return opts
}

func firstPositive(values ...time.Duration) time.Duration {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Transaction runs fn as a locked, retried load-mutate-save cycle.
func (m *Manager) Transaction(ctx context.Context, fn Func, opts TxOptions) error {
	_, err := m.transact(ctx, func(ctx context.Context, ds *types.Dataset, txID string) (interface{}, error) {
		return nil, fn(ctx, ds, txID)
	}, opts)
	return err
}

// Do is Transaction for functions that also produce a value.
func Do[T any](ctx context.Context, m *Manager, fn func(ctx context.Context, ds *types.Dataset, txID string) (T, error), opts TxOptions) (T, error) {
	v, err := m.transact(ctx, func(ctx context.Context, ds *types.Dataset, txID string) (interface{}, error) {
		return fn(ctx, ds, txID)
	}, opts)
	if err != nil {
		var zero T
		return zero, err
	}
	result, _ := v.(T)
	return result, nil
}

type valueFunc func(ctx context.Context, ds *types.Dataset, txID string) (interface{}, error)

func (m *Manager) transact(ctx context.Context, fn valueFunc, opts TxOptions) (interface{}, error) {
	if m == nil || m.store == nil {
		return nil, &types.StorageNotInitializedError{Component: "transaction manager"}
	}
	opts = m.resolve(opts)

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := opts.RetryBase << (attempt - 1)
			m.logger.Warn("transaction failed, retrying",
				"tx", opts.TransactionID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := m.attempt(ctx, fn, opts)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

type outcome struct {
	value interface{}
	err   error
}

func (m *Manager) attempt(ctx context.Context, fn valueFunc, opts TxOptions) (interface{}, error) {
	if err := m.locks.acquire(ctx, opts.LockKey, opts.TransactionID, opts.LockTimeout); err != nil {
		return nil, err
	}
	defer m.locks.Release(opts.LockKey)

	ds, err := m.store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		return nil, err
	}
	base := ds.Clone()

	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("transaction %s panicked: %v", opts.TransactionID, r)}
			}
		}()
		v, err := fn(fnCtx, ds, opts.TransactionID)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	var out outcome
	select {
	case out = <-done:
	case <-timer.C:
		// The body keeps its copy; nothing it does from here is saved.
		m.logger.Error("transaction timed out", "tx", opts.TransactionID, "timeout", opts.Timeout)
		return nil, &types.TransactionTimeoutError{TransactionID: opts.TransactionID, Timeout: opts.Timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if out.err != nil {
		return nil, out.err
	}

	if err := m.store.Save(ctx, ds, storage.SaveOptions{Reason: opts.Reason}); err != nil {
		return nil, err
	}

	commit := Commit{
		TransactionID: opts.TransactionID,
		Reason:        opts.Reason,
		SkipSync:      opts.SkipSync,
		Dataset:       ds,
		Changed:       changedCollections(base, ds),
	}
	m.logger.Debug("transaction committed", "tx", opts.TransactionID, "reason", opts.Reason, "changed", commit.Changed)

	m.hooksMu.RLock()
	hooks := append([]CommitHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, commit)
	}
	return out.value, nil
}

func changedCollections(before, after *types.Dataset) []string {
	var changed []string
	for name, docs := range after.Collections {
		old, ok := before.Collections[name]
		if !ok || !reflect.DeepEqual(old, docs) {
			changed = append(changed, name)
		}
	}
	for name := range before.Collections {
		if _, ok := after.Collections[name]; !ok {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// IsRetryable reports whether running the transaction again could succeed.
// Validation and not-found errors, timeouts of the body itself and
// cancellation are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrTransactionTimeout),
		errors.Is(err, types.ErrStorageNotInitialized),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
