// Package repository is the generic CRUD facade every collection sits on.
//
// Reads load a snapshot from the document store, narrow candidates through
// the collection indexes when the filter allows it, and cache results per
// collection namespace. Mutations run inside a transaction, keep the
// indexes current, invalidate the namespace and leave an audit record.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Dev-Stive/securadb/internal/validation"
	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/index"
	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/securadb/search"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// Store is the read side of the document store.
type Store interface {
	Load(ctx context.Context, opts storage.LoadOptions) (*types.Dataset, error)
}

// Validator inspects a document (or patch) before a mutation runs. A
// non-nil error aborts the mutation with a ValidationError.
type Validator func(ctx context.Context, op Operation, doc types.Document) error

// ListOptions controls FindAll.
type ListOptions struct {
	// Page is 1-based.
	Page int
	// Limit <= 0 returns every match on one page.
	Limit int
	// Sort uses the "-createdAt,name" form.
	Sort           string
	ForceRefresh   bool
	IncludeDeleted bool
}

// Page is one page of FindAll results.
type Page struct {
	Items      []types.Document `json:"items"`
	Pagination query.Pagination `json:"pagination"`
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// SoftDelete marks the document deleted instead of removing it.
	// Collections whose schema sets SoftDelete always soft delete.
	SoftDelete bool
}

// Repository serves one collection.
type Repository struct {
	schema    types.CollectionSchema
	store     Store
	tx        *txn.Manager
	cache     *cache.Layer
	cacheTTL  time.Duration
	audit     *AuditLog
	validator Validator
	txOptions txn.TxOptions
	logger    *slog.Logger
	timeFunc  func() time.Time
}

// Option configures a Repository.
type Option func(*Repository)

// WithCache caches reads in the collection's namespace.
func WithCache(layer *cache.Layer, ttl time.Duration) Option {
	return func(r *Repository) {
		r.cache = layer
		r.cacheTTL = ttl
	}
}

// WithValidator installs the pre-mutation hook.
func WithValidator(v Validator) Option {
	return func(r *Repository) {
		r.validator = v
	}
}

// WithAuditLog shares an audit ring between repositories.
func WithAuditLog(log *AuditLog) Option {
	return func(r *Repository) {
		r.audit = log
	}
}

// WithTxOptions sets the base options of every mutation's transaction.
func WithTxOptions(opts txn.TxOptions) Option {
	return func(r *Repository) {
		r.txOptions = opts
	}
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

// WithTimeFunc sets a custom time function for testing
func WithTimeFunc(fn func() time.Time) Option {
	return func(r *Repository) {
		r.timeFunc = fn
	}
}

// New creates a repository for schema.Name.
func New(schema types.CollectionSchema, store Store, tx *txn.Manager, opts ...Option) (*Repository, error) {
	if err := validation.ValidateSchema(schema); err != nil {
		return nil, &types.ValidationError{Collection: schema.Name, Message: "invalid schema", Underlying: err}
	}
	if store == nil || tx == nil {
		return nil, &types.StorageNotInitializedError{Component: "repository " + schema.Name}
	}
	r := &Repository{schema: schema, store: store, tx: tx}
	for _, opt := range opts {
		opt(r)
	}
	if r.audit == nil {
		r.audit = NewAuditLog(DefaultAuditSize)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.timeFunc == nil {
		r.timeFunc = time.Now
	}
	r.logger = r.logger.With("collection", schema.Name)
	return r, nil
}

// Name returns the collection name.
func (r *Repository) Name() string { return r.schema.Name }

// Schema returns the collection schema.
func (r *Repository) Schema() types.CollectionSchema { return r.schema }

// AuditLog returns the retained audit entries, oldest first.
func (r *Repository) AuditLog() []AuditEntry { return r.audit.Entries() }

func (r *Repository) load(ctx context.Context, force bool) ([]types.Document, *types.Dataset, error) {
	ds, err := r.store.Load(ctx, storage.LoadOptions{UseCache: !force, ForceRefresh: force})
	if err != nil {
		return nil, nil, err
	}
	return ds.Collection(r.schema.Name), ds, nil
}

// FindByID returns the document with id, or nil when it does not exist or
// was soft deleted.
func (r *Repository) FindByID(ctx context.Context, id string) (types.Document, error) {
	key := "id:" + id
	if r.cache != nil {
		var doc types.Document
		if r.cache.Get(ctx, r.schema.Name, key, &doc) {
			return doc, nil
		}
	}

	docs, _, err := r.load(ctx, false)
	if err != nil {
		return nil, err
	}
	i := indexOf(docs, id)
	if i < 0 || docs[i].IsDeleted() {
		return nil, nil
	}
	doc := docs[i].Clone()
	if r.cache != nil {
		r.cache.Set(ctx, r.schema.Name, key, doc, r.cacheTTL)
	}
	return doc, nil
}

// FindAll returns one page of the documents matching filter. A nil filter
// matches everything. Soft-deleted documents are skipped unless
// IncludeDeleted is set.
func (r *Repository) FindAll(ctx context.Context, filter query.Filter, opts ListOptions) (Page, error) {
	if filter == nil {
		filter = query.All()
	}
	key := listKey(filter, opts)
	if r.cache != nil && !opts.ForceRefresh {
		var page Page
		if r.cache.Get(ctx, r.schema.Name, key, &page) {
			return page, nil
		}
	}

	docs, ds, err := r.load(ctx, opts.ForceRefresh)
	if err != nil {
		return Page{}, err
	}
	docs = r.candidates(ds, docs, filter)

	matched := make([]types.Document, 0, len(docs))
	for _, doc := range docs {
		if !opts.IncludeDeleted && doc.IsDeleted() {
			continue
		}
		if filter.Match(doc) {
			matched = append(matched, doc.Clone())
		}
	}
	query.Sort(matched, query.ParseSort(opts.Sort))
	items, pagination := query.Paginate(matched, opts.Page, opts.Limit)
	page := Page{Items: items, Pagination: pagination}

	if r.cache != nil {
		r.cache.Set(ctx, r.schema.Name, key, page, r.cacheTTL)
	}
	return page, nil
}

// candidates narrows docs through an index when filter pins an indexed
// field to one or more values.
func (r *Repository) candidates(ds *types.Dataset, docs []types.Document, filter query.Filter) []types.Document {
	field, values, ok := query.IndexCandidate(filter)
	if !ok {
		return docs
	}
	ids, ok := index.Lookup(ds, r.schema.Name, field, values)
	if !ok {
		return docs
	}
	out := make([]types.Document, 0, len(ids))
	for _, doc := range docs {
		if ids[doc.ID()] {
			out = append(out, doc)
		}
	}
	return out
}

// FindOne returns the first match in stored order, or nil.
func (r *Repository) FindOne(ctx context.Context, filter query.Filter) (types.Document, error) {
	page, err := r.FindAll(ctx, filter, ListOptions{Page: 1, Limit: 1})
	if err != nil || len(page.Items) == 0 {
		return nil, err
	}
	return page.Items[0], nil
}

// Count returns the number of live documents matching filter.
func (r *Repository) Count(ctx context.Context, filter query.Filter) (int, error) {
	page, err := r.FindAll(ctx, filter, ListOptions{})
	if err != nil {
		return 0, err
	}
	return page.Pagination.Total, nil
}

// Exists reports whether a live document matches filter.
func (r *Repository) Exists(ctx context.Context, filter query.Filter) (bool, error) {
	doc, err := r.FindOne(ctx, filter)
	return doc != nil, err
}

// Search ranks the live documents matching filter by how well their text
// fields match opts.Query. Sensitive fields are never searched.
func (r *Repository) Search(ctx context.Context, opts search.Options, filter query.Filter) ([]search.Result, error) {
	provider := search.ProviderFunc(func(ctx context.Context, filter query.Filter) ([]types.Document, error) {
		page, err := r.FindAll(ctx, filter, ListOptions{})
		return page.Items, err
	})
	return search.NewEngine(provider, search.WithExcludedFields(r.schema.SensitiveFields...)).Search(ctx, opts, filter)
}

func listKey(filter query.Filter, opts ListOptions) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s|%t", query.Key(filter), opts.Page, opts.Limit, opts.Sort, opts.IncludeDeleted)))
	return "list:" + hex.EncodeToString(sum[:12])
}

func (r *Repository) invalidate(ctx context.Context) {
	if r.cache != nil {
		r.cache.ClearNamespace(ctx, r.schema.Name)
	}
}

func (r *Repository) validate(ctx context.Context, op Operation, doc types.Document) error {
	if err := validation.ValidateDocument(doc); err != nil {
		return &types.ValidationError{Collection: r.schema.Name, Underlying: err}
	}
	if r.validator == nil {
		return nil
	}
	err := r.validator(ctx, op, doc)
	if err == nil || errors.Is(err, types.ErrValidation) {
		return err
	}
	return &types.ValidationError{Collection: r.schema.Name, Underlying: err}
}

func indexOf(docs []types.Document, id string) int {
	for i, doc := range docs {
		if doc.ID() == id {
			return i
		}
	}
	return -1
}
