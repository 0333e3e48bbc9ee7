// Package syncer reconciles the local dataset with a remote store.
//
// A sync run diffs each collection against the remote copy, resolves
// documents that diverged with the configured strategy, pushes uploads in
// batches and writes downloads, conflicts and a log entry back into the
// dataset in one transaction. Requests queue in a durable outbox that a
// background loop drains one at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dev-Stive/securadb/securadb/index"
	"github.com/Dev-Stive/securadb/securadb/remote"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// SyncedAtField is stamped on local documents the remote has confirmed.
// Its prefix keeps it out of uploads and equality checks.
const SyncedAtField = "_syncedAt"

// Defaults applied to zero Config fields.
const (
	DefaultBatchSize     = 500
	DefaultMaxPending    = 10
	DefaultInterval      = time.Second
	DefaultGracePeriod   = 5 * time.Second
	DefaultPingTimeout   = 5 * time.Second
	DefaultMaxConflicts  = 100
	DefaultMaxLogEntries = 50

	maxPendingChanges = 1000
)

// ErrInProgress is reported in Result.Errors of a skipped run.
var ErrInProgress = errors.New("sync already in progress")

// Config tunes the engine.
type Config struct {
	Strategy      types.Strategy `mapstructure:"strategy"`
	BatchSize     int            `mapstructure:"batch_size"`
	MaxPending    int            `mapstructure:"max_pending"`
	Interval      time.Duration  `mapstructure:"interval"`
	GracePeriod   time.Duration  `mapstructure:"grace_period"`
	PingTimeout   time.Duration  `mapstructure:"ping_timeout"`
	MaxConflicts  int            `mapstructure:"max_conflicts"`
	MaxLogEntries int            `mapstructure:"max_log_entries"`
	OutboxPath    string         `mapstructure:"outbox_path"`
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = types.StrategyTimestamp
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.MaxConflicts <= 0 {
		c.MaxConflicts = DefaultMaxConflicts
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = DefaultMaxLogEntries
	}
	return c
}

// Result summarizes one run.
type Result struct {
	Uploaded   int           `json:"uploaded"`
	Downloaded int           `json:"downloaded"`
	Conflicts  int           `json:"conflicts"`
	Errors     []string      `json:"errors"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Remote     string  `json:"remote"`
	Strategy   string  `json:"strategy"`
	Running    bool    `json:"running"`
	Draining   bool    `json:"draining"`
	Pending    int     `json:"pending"`
	LastResult *Result `json:"lastResult,omitempty"`
}

// Store loads the dataset the engine diffs against.
type Store interface {
	Load(ctx context.Context, opts storage.LoadOptions) (*types.Dataset, error)
}

// Transactor commits the write-back.
type Transactor interface {
	Transaction(ctx context.Context, fn txn.Func, opts txn.TxOptions) error
}

// Engine runs sync requests against one remote.
type Engine struct {
	cfg         Config
	store       Store
	tx          Transactor
	remote      remote.Remote
	outbox      *Outbox
	indexFields map[string][]string
	fs          storage.FileSystem
	logger      *slog.Logger
	timeFunc    func() time.Time

	// syncMu is held for the whole of a run; TryLock is the in-flight guard.
	syncMu  sync.Mutex
	running atomic.Bool

	mu        sync.Mutex
	conflicts []types.ConflictRecord
	last      *Result
	cancel    context.CancelFunc
	done      chan struct{}
	kick      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTimeFunc injects the clock.
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Engine) {
		e.timeFunc = fn
	}
}

// WithSchemas declares indexed fields so downloads keep indexes current.
func WithSchemas(schemas ...types.CollectionSchema) Option {
	return func(e *Engine) {
		for _, s := range schemas {
			e.indexFields[s.Name] = append(e.indexFields[s.Name], s.IndexedFields...)
		}
	}
}

// WithFileSystem sets the file system used by the outbox.
func WithFileSystem(fsys storage.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// New creates an engine. rem may be nil, in which case every run fails
// with SyncUnavailableError while requests keep queueing.
func New(cfg Config, store Store, tx Transactor, rem remote.Remote, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if !cfg.Strategy.Valid() {
		return nil, &types.ValidationError{Field: "strategy", Value: cfg.Strategy, Message: "unknown conflict resolution strategy"}
	}
	if cfg.OutboxPath == "" {
		return nil, &types.ValidationError{Field: "outbox_path", Message: "outbox path is required"}
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		tx:          tx,
		remote:      rem,
		indexFields: map[string][]string{},
		timeFunc:    time.Now,
		kick:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	outbox, err := OpenOutbox(cfg.OutboxPath, cfg.MaxPending, e.fs, e.logger)
	if err != nil {
		return nil, err
	}
	e.outbox = outbox
	return e, nil
}

// RegisterSchema declares the indexed fields of a collection added after
// the engine was created.
func (e *Engine) RegisterSchema(schema types.CollectionSchema) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexFields[schema.Name] = append(e.indexFields[schema.Name], schema.IndexedFields...)
}

func (e *Engine) declaredIndexes(collection string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.indexFields[collection]...)
}

// Outbox exposes the pending request queue.
func (e *Engine) Outbox() *Outbox { return e.outbox }

// Conflicts returns the conflicts resolved since the engine started,
// oldest first.
func (e *Engine) Conflicts() []types.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.ConflictRecord(nil), e.conflicts...)
}

// Status reports the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		Strategy: string(e.cfg.Strategy),
		Running:  e.running.Load(),
		Draining: e.cancel != nil,
		Pending:  e.outbox.Len(),
	}
	if e.remote != nil {
		st.Remote = e.remote.Name()
	}
	if e.last != nil {
		last := *e.last
		st.LastResult = &last
	}
	return st
}

func (e *Engine) begin() bool {
	if !e.syncMu.TryLock() {
		return false
	}
	e.running.Store(true)
	return true
}

func (e *Engine) end() {
	e.running.Store(false)
	e.syncMu.Unlock()
}

func (e *Engine) ping(ctx context.Context) error {
	if e.remote == nil {
		return &types.SyncUnavailableError{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.PingTimeout)
	defer cancel()
	if err := e.remote.Ping(pingCtx); err != nil {
		return &types.SyncUnavailableError{Underlying: err}
	}
	return nil
}

// targets resolves the collections of a run: the requested ones, or every
// collection of the dataset.
func targets(ds *types.Dataset, requested []string) []string {
	if len(requested) > 0 {
		out := append([]string(nil), requested...)
		sort.Strings(out)
		return out
	}
	return ds.CollectionNames()
}

// plan is the per-collection outcome of the diff.
type plan struct {
	collection string
	uploads    []types.Document
	downloads  []types.Document
	conflicts  []types.ConflictRecord
	// baseline holds the canonical form of each local document the plan
	// read, so the write-back can tell whether it moved in between.
	baseline map[string]string
	// sent holds the canonical form of every document the remote accepted.
	sent map[string]string
}

func (e *Engine) diff(ctx context.Context, ds *types.Dataset, collection string, now time.Time) (*plan, error) {
	remoteDocs, err := e.remote.FetchAll(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}

	p := &plan{collection: collection, baseline: map[string]string{}, sent: map[string]string{}}
	local := map[string]types.Document{}
	ids := make([]string, 0, len(remoteDocs))
	for _, doc := range ds.Collection(collection) {
		id := doc.ID()
		if id == "" {
			continue
		}
		local[id] = doc
		ids = append(ids, id)
	}
	for id := range remoteDocs {
		if _, ok := local[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		l, inLocal := local[id]
		r, inRemote := remoteDocs[id]
		if inLocal {
			p.baseline[id] = canonical(l)
		}
		switch {
		case !inRemote:
			p.uploads = append(p.uploads, l.WithoutSyncMeta())
		case !inLocal:
			p.downloads = append(p.downloads, r.Data.WithoutSyncMeta())
		default:
			res := Resolve(e.cfg.Strategy, l, r)
			switch res.Action {
			case ActionSkip:
				continue
			case ActionUpload:
				p.uploads = append(p.uploads, res.Doc)
			case ActionDownload:
				p.downloads = append(p.downloads, res.Doc)
			case ActionMerge:
				p.uploads = append(p.uploads, res.Doc)
				p.downloads = append(p.downloads, res.Doc)
			}
			p.conflicts = append(p.conflicts, types.ConflictRecord{
				Collection:         collection,
				ID:                 id,
				Local:              l.Clone(),
				Remote:             r.Data.Clone(),
				ResolutionStrategy: e.cfg.Strategy,
				Resolution:         string(res.Action),
				ResolvedAt:         now,
			})
		}
	}
	return p, nil
}

// push uploads p.uploads in BatchSize chunks. A failed chunk is reported
// and the remaining chunks are still attempted.
func (e *Engine) push(ctx context.Context, p *plan, result *Result) {
	for start := 0; start < len(p.uploads); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(p.uploads))
		batch := p.uploads[start:end]
		if err := e.remote.BatchWrite(ctx, p.collection, batch); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: batch %d-%d: %v", p.collection, start, end, err))
			continue
		}
		for _, doc := range batch {
			p.sent[doc.ID()] = canonical(doc)
		}
		result.Uploaded += len(batch)
	}
}

// SyncToRemote reconciles collections (all when empty) with the remote.
// A call made while another run is in flight returns at once with
// Skipped set. Only an unusable remote is a hard failure; per-collection
// problems are collected in Result.Errors.
func (e *Engine) SyncToRemote(ctx context.Context, collections []string, reason string) (Result, error) {
	if !e.begin() {
		return Result{Skipped: true, Errors: []string{ErrInProgress.Error()}}, nil
	}
	defer e.end()

	start := e.timeFunc()
	var result Result
	if err := e.ping(ctx); err != nil {
		e.logger.Warn("sync skipped, remote unavailable", "reason", reason, "error", err)
		return result, err
	}

	ds, err := e.store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		return result, err
	}

	now := start.UTC()
	var plans []*plan
	for _, name := range targets(ds, collections) {
		p, err := e.diff(ctx, ds, name, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		e.push(ctx, p, &result)
		result.Downloaded += len(p.downloads)
		result.Conflicts += len(p.conflicts)
		plans = append(plans, p)
	}

	result.Duration = e.timeFunc().Sub(start)
	if err := e.writeBack(ctx, plans, reason, &result); err != nil {
		result.Errors = append(result.Errors, "write back: "+err.Error())
	}
	e.record(plans, result)

	e.logger.Info("sync finished",
		"reason", reason,
		"uploaded", result.Uploaded,
		"downloaded", result.Downloaded,
		"conflicts", result.Conflicts,
		"errors", len(result.Errors),
		"duration", result.Duration)
	return result, nil
}

func (e *Engine) record(plans []*plan, result Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range plans {
		e.conflicts = append(e.conflicts, p.conflicts...)
	}
	if over := len(e.conflicts) - e.cfg.MaxConflicts; over > 0 {
		e.conflicts = append([]types.ConflictRecord(nil), e.conflicts[over:]...)
	}
	e.last = &result
}

// writeBack applies downloads and sync bookkeeping in one transaction that
// does not itself trigger a sync.
func (e *Engine) writeBack(ctx context.Context, plans []*plan, reason string, result *Result) error {
	return e.tx.Transaction(ctx, func(ctx context.Context, ds *types.Dataset, txID string) error {
		now := e.timeFunc().UTC()
		stamp := types.FormatTime(now)
		if ds.Sync == nil {
			ds.Sync = types.NewSyncState()
		}

		applied := map[string]bool{}
		for _, p := range plans {
			docs := ds.Collection(p.collection)
			pos := make(map[string]int, len(docs))
			for i, doc := range docs {
				pos[doc.ID()] = i
			}

			changed := false
			for _, doc := range p.downloads {
				id := doc.ID()
				i, exists := pos[id]
				current := ""
				if exists {
					current = canonical(docs[i])
				}
				if current != p.baseline[id] {
					// Edited locally after the diff; leave it for the next run.
					ds.Sync.PendingChanges = append(ds.Sync.PendingChanges, types.PendingChange{
						Collection: p.collection, ID: id, Direction: "download", DetectedAt: now,
					})
					continue
				}
				fresh := doc.Clone()
				fresh[SyncedAtField] = stamp
				if exists {
					docs[i] = fresh
				} else {
					pos[id] = len(docs)
					docs = append(docs, fresh)
				}
				applied[p.collection+"/"+id] = true
				changed = true
			}

			for id, sent := range p.sent {
				if i, ok := pos[id]; ok && canonical(docs[i]) == sent {
					docs[i][SyncedAtField] = stamp
				}
			}

			if _, ok := ds.Collections[p.collection]; ok || changed {
				ds.SetCollection(p.collection, docs)
			}
			if changed {
				fields := append(index.Fields(ds, p.collection), e.declaredIndexes(p.collection)...)
				index.Rebuild(ds, p.collection, dedupe(fields))
			}
		}

		pending := ds.Sync.PendingChanges[:0:0]
		seen := map[string]bool{}
		for i := len(ds.Sync.PendingChanges) - 1; i >= 0; i-- {
			pc := ds.Sync.PendingChanges[i]
			key := pc.Collection + "/" + pc.ID
			if applied[key] || seen[key] {
				continue
			}
			seen[key] = true
			pending = append(pending, pc)
		}
		reverse(pending)
		ds.Sync.PendingChanges = keepLast(pending, maxPendingChanges)

		for _, p := range plans {
			ds.Sync.Conflicts = append(ds.Sync.Conflicts, p.conflicts...)
		}
		ds.Sync.Conflicts = keepLast(ds.Sync.Conflicts, e.cfg.MaxConflicts)

		ds.Sync.SyncLog = keepLast(append(ds.Sync.SyncLog, types.SyncLogEntry{
			Reason:     reason,
			Uploaded:   result.Uploaded,
			Downloaded: result.Downloaded,
			Conflicts:  result.Conflicts,
			Errors:     append([]string(nil), result.Errors...),
			DurationMS: result.Duration.Milliseconds(),
			At:         now,
		}), e.cfg.MaxLogEntries)

		ds.Sync.LastPush = &now
		ds.Sync.Status = types.SyncStatusIdle
		if len(result.Errors) > 0 {
			ds.Sync.Status = types.SyncStatusError
		}
		return nil
	}, txn.TxOptions{Reason: "sync_writeback", SkipSync: true})
}

// PullFromRemote replaces each target collection (all local ones when
// empty) with the remote snapshot and rebuilds its indexes.
func (e *Engine) PullFromRemote(ctx context.Context, collections []string) (Result, error) {
	if !e.begin() {
		return Result{Skipped: true, Errors: []string{ErrInProgress.Error()}}, nil
	}
	defer e.end()

	start := e.timeFunc()
	var result Result
	if err := e.ping(ctx); err != nil {
		return result, err
	}
	ds, err := e.store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		return result, err
	}

	snapshots := map[string][]types.Document{}
	for _, name := range targets(ds, collections) {
		docs, err := e.remote.FetchAll(ctx, name)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: fetch remote: %v", name, err))
			continue
		}
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		list := make([]types.Document, 0, len(ids))
		for _, id := range ids {
			list = append(list, docs[id].Data.WithoutSyncMeta())
		}
		snapshots[name] = list
		result.Downloaded += len(list)
	}

	err = e.tx.Transaction(ctx, func(ctx context.Context, ds *types.Dataset, txID string) error {
		now := e.timeFunc().UTC()
		stamp := types.FormatTime(now)
		for name, docs := range snapshots {
			for _, doc := range docs {
				doc[SyncedAtField] = stamp
			}
			ds.SetCollection(name, docs)
			fields := append(index.Fields(ds, name), e.declaredIndexes(name)...)
			index.Rebuild(ds, name, dedupe(fields))
		}
		if ds.Sync == nil {
			ds.Sync = types.NewSyncState()
		}
		ds.Sync.LastPull = &now
		return nil
	}, txn.TxOptions{Reason: "sync_pull", SkipSync: true})
	if err != nil {
		return result, err
	}

	result.Duration = e.timeFunc().Sub(start)
	e.mu.Lock()
	last := result
	e.last = &last
	e.mu.Unlock()
	e.logger.Info("pull finished", "downloaded", result.Downloaded, "errors", len(result.Errors))
	return result, nil
}

func keepLast[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return append([]T(nil), items[len(items)-n:]...)
	}
	return items
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func dedupe(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := fields[:0:0]
	for _, f := range fields {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
