package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Dev-Stive/securadb/internal/validation"
	"github.com/Dev-Stive/securadb/securadb/index"
	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// mutate runs fn in a transaction on the repository's collection and
// writes the collection back when fn succeeds. The transaction id is fixed
// up front so the audit record can name it.
func mutate[T any](ctx context.Context, r *Repository, op Operation, fn func(c *collection) (T, error)) (T, string, error) {
	opts := r.txOptions
	opts.TransactionID = uuid.NewString()
	opts.Reason = r.schema.Name + ":" + string(op)

	result, err := txn.Do(ctx, r.tx, func(ctx context.Context, ds *types.Dataset, txID string) (T, error) {
		c := &collection{repo: r, ds: ds, docs: ds.Collection(r.schema.Name), now: types.FormatTime(r.timeFunc())}
		v, err := fn(c)
		if err != nil {
			return v, err
		}
		ds.SetCollection(r.schema.Name, c.docs)
		return v, nil
	}, opts)
	if err == nil {
		r.invalidate(ctx)
	}
	return result, opts.TransactionID, err
}

func (r *Repository) record(op Operation, txID string, ids []string, data types.Document, err error) {
	entry := AuditEntry{
		At:            r.timeFunc().UTC(),
		Operation:     op,
		Collection:    r.schema.Name,
		DocumentIDs:   ids,
		TransactionID: txID,
		Data:          mask(data, r.schema.SensitiveFields),
		Success:       err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
		r.logger.Warn("mutation failed", "operation", op, "ids", ids, "error", err)
	}
	r.audit.Add(entry)
}

// collection is the working copy of one collection inside a transaction.
type collection struct {
	repo *Repository
	ds   *types.Dataset
	docs []types.Document
	now  string
}

func (c *collection) name() string { return c.repo.schema.Name }

func (c *collection) fields() []string { return c.repo.schema.IndexedFields }

// live returns the position of a document that is not soft deleted.
func (c *collection) live(id string) (int, error) {
	i := indexOf(c.docs, id)
	if i < 0 || c.docs[i].IsDeleted() {
		return -1, &types.NotFoundError{Collection: c.name(), ID: id}
	}
	return i, nil
}

// checkUnique rejects doc when another document (soft-deleted ones
// included) already holds one of its unique values. self is the position
// of doc in the collection, or -1 for a new document.
func (c *collection) checkUnique(doc types.Document, self int) error {
	uniques := append([]string{types.FieldID}, c.repo.schema.UniqueFields...)
	for _, field := range uniques {
		value, ok := doc.Get(field)
		if !ok || value == nil {
			continue
		}
		want := query.ValueString(value)
		for i, other := range c.docs {
			if i == self {
				continue
			}
			if got, ok := other.Get(field); ok && got != nil && query.ValueString(got) == want {
				return types.NewUniqueViolation(c.name(), field, value)
			}
		}
	}
	return nil
}

func (c *collection) insert(input types.Document) (types.Document, error) {
	doc := input.Clone()
	if doc == nil {
		doc = types.Document{}
	}
	if doc.ID() == "" {
		doc[types.FieldID] = uuid.NewString()
	}
	doc[types.FieldCreatedAt] = c.now
	doc[types.FieldUpdatedAt] = c.now
	delete(doc, types.FieldDeletedAt)
	if c.repo.schema.SoftDelete {
		if _, ok := doc[types.FieldIsActive]; !ok {
			doc[types.FieldIsActive] = true
		}
	}
	if err := c.checkUnique(doc, -1); err != nil {
		return nil, err
	}
	c.docs = append(c.docs, doc)
	index.Add(c.ds, c.name(), c.fields(), doc)
	return doc.Clone(), nil
}

// apply merges patch into the document at i. A nil value removes the
// field. Managed fields are never touched.
func (c *collection) apply(i int, patch types.Document) (types.Document, error) {
	old := c.docs[i]
	doc := old.Clone()
	for k, v := range patch {
		switch k {
		case types.FieldID, types.FieldCreatedAt, types.FieldUpdatedAt, types.FieldDeletedAt:
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = types.CloneValue(v)
	}
	return c.replace(i, old, doc)
}

func (c *collection) replace(i int, old, doc types.Document) (types.Document, error) {
	doc[types.FieldUpdatedAt] = c.now
	if err := c.checkUnique(doc, i); err != nil {
		return nil, err
	}
	c.docs[i] = doc
	index.Replace(c.ds, c.name(), c.fields(), old, doc)
	return doc.Clone(), nil
}

func (c *collection) remove(i int) {
	index.Remove(c.ds, c.name(), c.fields(), c.docs[i])
	c.docs = append(c.docs[:i:i], c.docs[i+1:]...)
}

func (r *Repository) checkPatch(id string, patch types.Document) error {
	if raw, ok := patch[types.FieldID]; ok && raw != id {
		return &types.ValidationError{Collection: r.schema.Name, Field: types.FieldID, Value: raw, Message: "id cannot change"}
	}
	return nil
}

// Create inserts doc, assigning an id when it has none and stamping
// createdAt and updatedAt.
func (r *Repository) Create(ctx context.Context, doc types.Document) (types.Document, error) {
	if err := r.validate(ctx, OpCreate, doc); err != nil {
		r.record(OpCreate, "", idsOf(doc), doc, err)
		return nil, err
	}
	created, txID, err := mutate(ctx, r, OpCreate, func(c *collection) (types.Document, error) {
		return c.insert(doc)
	})
	if err != nil {
		r.record(OpCreate, txID, idsOf(doc), doc, err)
		return nil, err
	}
	r.record(OpCreate, txID, idsOf(created), created, nil)
	return created, nil
}

// BulkCreate inserts every document or none of them.
func (r *Repository) BulkCreate(ctx context.Context, docs []types.Document) ([]types.Document, error) {
	for i, doc := range docs {
		if err := r.validate(ctx, OpBulkCreate, doc); err != nil {
			err = fmt.Errorf("document %d: %w", i, err)
			r.record(OpBulkCreate, "", nil, nil, err)
			return nil, err
		}
	}
	created, txID, err := mutate(ctx, r, OpBulkCreate, func(c *collection) ([]types.Document, error) {
		out := make([]types.Document, 0, len(docs))
		for i, doc := range docs {
			d, err := c.insert(doc)
			if err != nil {
				return nil, fmt.Errorf("document %d: %w", i, err)
			}
			out = append(out, d)
		}
		return out, nil
	})
	if err != nil {
		r.record(OpBulkCreate, txID, nil, nil, err)
		return nil, err
	}
	r.record(OpBulkCreate, txID, idsOf(created...), nil, nil)
	return created, nil
}

// Update merges patch into the live document id.
func (r *Repository) Update(ctx context.Context, id string, patch types.Document) (types.Document, error) {
	err := r.checkPatch(id, patch)
	if err == nil {
		err = r.validate(ctx, OpUpdate, patch)
	}
	if err != nil {
		r.record(OpUpdate, "", []string{id}, patch, err)
		return nil, err
	}
	updated, txID, err := mutate(ctx, r, OpUpdate, func(c *collection) (types.Document, error) {
		i, err := c.live(id)
		if err != nil {
			return nil, err
		}
		return c.apply(i, patch)
	})
	r.record(OpUpdate, txID, []string{id}, patch, err)
	return updated, err
}

// UpdateMany merges patch into every live document matching filter and
// returns how many were updated.
func (r *Repository) UpdateMany(ctx context.Context, filter query.Filter, patch types.Document) (int, error) {
	if filter == nil {
		filter = query.All()
	}
	if err := r.validate(ctx, OpUpdateMany, patch); err != nil {
		r.record(OpUpdateMany, "", nil, patch, err)
		return 0, err
	}
	if _, ok := patch[types.FieldID]; ok {
		err := &types.ValidationError{Collection: r.schema.Name, Field: types.FieldID, Message: "id cannot change"}
		r.record(OpUpdateMany, "", nil, patch, err)
		return 0, err
	}
	ids, txID, err := mutate(ctx, r, OpUpdateMany, func(c *collection) ([]string, error) {
		var ids []string
		for i, doc := range c.docs {
			if doc.IsDeleted() || !filter.Match(doc) {
				continue
			}
			if _, err := c.apply(i, patch); err != nil {
				return nil, err
			}
			ids = append(ids, doc.ID())
		}
		return ids, nil
	})
	r.record(OpUpdateMany, txID, ids, patch, err)
	return len(ids), err
}

// Upsert updates the first live document matching filter with doc, or
// creates doc when nothing matches. created reports which happened.
func (r *Repository) Upsert(ctx context.Context, filter query.Filter, doc types.Document) (result types.Document, created bool, err error) {
	if filter == nil {
		filter = query.All()
	}
	if err := r.validate(ctx, OpUpsert, doc); err != nil {
		r.record(OpUpsert, "", idsOf(doc), doc, err)
		return nil, false, err
	}
	type outcome struct {
		doc     types.Document
		created bool
	}
	out, txID, err := mutate(ctx, r, OpUpsert, func(c *collection) (outcome, error) {
		for i, existing := range c.docs {
			if existing.IsDeleted() || !filter.Match(existing) {
				continue
			}
			if err := r.checkPatch(existing.ID(), doc); err != nil {
				return outcome{}, err
			}
			d, err := c.apply(i, doc)
			return outcome{doc: d}, err
		}
		d, err := c.insert(doc)
		return outcome{doc: d, created: true}, err
	})
	r.record(OpUpsert, txID, idsOf(out.doc), doc, err)
	if err != nil {
		return nil, false, err
	}
	return out.doc, out.created, nil
}

// Delete removes the live document id. It is soft deleted when opts ask
// for it or the schema enables soft delete.
func (r *Repository) Delete(ctx context.Context, id string, opts DeleteOptions) error {
	soft := opts.SoftDelete || r.schema.SoftDelete
	_, txID, err := mutate(ctx, r, OpDelete, func(c *collection) (struct{}, error) {
		i, err := c.live(id)
		if err != nil {
			return struct{}{}, err
		}
		if !soft {
			c.remove(i)
			return struct{}{}, nil
		}
		doc := c.docs[i].Clone()
		doc[types.FieldDeletedAt] = c.now
		doc[types.FieldIsActive] = false
		_, err = c.replace(i, c.docs[i], doc)
		return struct{}{}, err
	})
	r.record(OpDelete, txID, []string{id}, nil, err)
	return err
}

// HardDelete removes document id from disk, soft deleted or not.
func (r *Repository) HardDelete(ctx context.Context, id string) error {
	_, txID, err := mutate(ctx, r, OpHardDelete, func(c *collection) (struct{}, error) {
		i := indexOf(c.docs, id)
		if i < 0 {
			return struct{}{}, &types.NotFoundError{Collection: c.name(), ID: id}
		}
		c.remove(i)
		return struct{}{}, nil
	})
	r.record(OpHardDelete, txID, []string{id}, nil, err)
	return err
}

// Restore clears the soft delete of document id. Restoring a live
// document returns it unchanged.
func (r *Repository) Restore(ctx context.Context, id string) (types.Document, error) {
	restored, txID, err := mutate(ctx, r, OpRestore, func(c *collection) (types.Document, error) {
		i := indexOf(c.docs, id)
		if i < 0 {
			return nil, &types.NotFoundError{Collection: c.name(), ID: id}
		}
		old := c.docs[i]
		if !old.IsDeleted() {
			return old.Clone(), nil
		}
		doc := old.Clone()
		delete(doc, types.FieldDeletedAt)
		doc[types.FieldIsActive] = true
		return c.replace(i, old, doc)
	})
	r.record(OpRestore, txID, []string{id}, nil, err)
	return restored, err
}

// SaveStructuredData sets a (possibly dotted) field of document id.
func (r *Repository) SaveStructuredData(ctx context.Context, id, field string, value interface{}) (types.Document, error) {
	data := types.Document{field: value}
	err := validation.ValidateFieldName(field)
	if err == nil && validation.IsManagedField(strings.SplitN(field, ".", 2)[0]) {
		err = fmt.Errorf("field %q is managed by the store", field)
	}
	if err == nil {
		err = validation.ValidateValue(value, field)
	}
	if err != nil {
		err = &types.ValidationError{Collection: r.schema.Name, Field: field, Underlying: err}
	} else {
		err = r.validate(ctx, OpSaveStructured, data)
	}
	if err != nil {
		r.record(OpSaveStructured, "", []string{id}, data, err)
		return nil, err
	}

	updated, txID, err := mutate(ctx, r, OpSaveStructured, func(c *collection) (types.Document, error) {
		i, err := c.live(id)
		if err != nil {
			return nil, err
		}
		doc := c.docs[i].Clone()
		doc.Set(field, types.CloneValue(value))
		return c.replace(i, c.docs[i], doc)
	})
	r.record(OpSaveStructured, txID, []string{id}, data, err)
	return updated, err
}

// Truncate removes every document of the collection and returns how many
// were removed.
func (r *Repository) Truncate(ctx context.Context) (int, error) {
	n, txID, err := mutate(ctx, r, OpTruncate, func(c *collection) (int, error) {
		n := len(c.docs)
		c.docs = []types.Document{}
		c.ds.SetCollection(c.name(), c.docs)
		index.Rebuild(c.ds, c.name(), c.fields())
		return n, nil
	})
	r.record(OpTruncate, txID, nil, nil, err)
	return n, err
}

func idsOf(docs ...types.Document) []string {
	var ids []string
	for _, doc := range docs {
		if id := doc.ID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
