// Package index maintains the secondary indexes stored in a dataset's
// "indexes" sub-document: collection -> index name -> value -> ids.
//
// Indexes only ever narrow a candidate set. Callers re-apply the full
// filter to whatever a lookup returns, so an index that is a superset of
// the true matches is harmless and a missing index falls back to a scan.
package index

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/types"
)

// Keys returns the index keys a field value contributes. Arrays are
// indexed per element; nil and missing values are not indexed.
func Keys(value interface{}) []string {
	if value == nil {
		return nil
	}
	if items, ok := query.AsSlice(value); ok {
		seen := make(map[string]bool, len(items))
		keys := make([]string, 0, len(items))
		for _, item := range items {
			if item == nil {
				continue
			}
			k := query.ValueString(item)
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
		return keys
	}
	return []string{query.ValueString(value)}
}

func fieldKeys(doc types.Document, field string) []string {
	v, ok := doc.Get(field)
	if !ok {
		return nil
	}
	return Keys(v)
}

func ensure(ds *types.Dataset, collection, name string) map[string][]string {
	if ds.Indexes == nil {
		ds.Indexes = types.Indexes{}
	}
	byName, ok := ds.Indexes[collection]
	if !ok {
		byName = map[string]map[string][]string{}
		ds.Indexes[collection] = byName
	}
	byValue, ok := byName[name]
	if !ok {
		byValue = map[string][]string{}
		byName[name] = byValue
	}
	return byValue
}

// Add records doc under every indexed field.
func Add(ds *types.Dataset, collection string, fields []string, doc types.Document) {
	id := doc.ID()
	if id == "" {
		return
	}
	for _, field := range fields {
		byValue := ensure(ds, collection, types.IndexName(field))
		for _, key := range fieldKeys(doc, field) {
			if !contains(byValue[key], id) {
				byValue[key] = append(byValue[key], id)
			}
		}
	}
}

// Remove drops doc from every indexed field. Empty value buckets are deleted.
func Remove(ds *types.Dataset, collection string, fields []string, doc types.Document) {
	id := doc.ID()
	if id == "" || ds.Indexes == nil {
		return
	}
	byName := ds.Indexes[collection]
	if byName == nil {
		return
	}
	for _, field := range fields {
		byValue := byName[types.IndexName(field)]
		if byValue == nil {
			continue
		}
		for _, key := range fieldKeys(doc, field) {
			ids := without(byValue[key], id)
			if len(ids) == 0 {
				delete(byValue, key)
			} else {
				byValue[key] = ids
			}
		}
	}
}

// Replace moves doc from the keys of old to the keys of updated.
func Replace(ds *types.Dataset, collection string, fields []string, old, updated types.Document) {
	Remove(ds, collection, fields, old)
	Add(ds, collection, fields, updated)
}

// Rebuild regenerates the indexes of a collection from scratch.
func Rebuild(ds *types.Dataset, collection string, fields []string) {
	if ds.Indexes == nil {
		ds.Indexes = types.Indexes{}
	}
	ds.Indexes[collection] = map[string]map[string][]string{}
	for _, field := range fields {
		ensure(ds, collection, types.IndexName(field))
	}
	for _, doc := range ds.Collection(collection) {
		Add(ds, collection, fields, doc)
	}
}

// Drop removes every index of a collection.
func Drop(ds *types.Dataset, collection string) {
	if ds.Indexes != nil {
		delete(ds.Indexes, collection)
	}
}

// Lookup returns the ids indexed under any of values for field. ok is false
// when the collection has no index on field, in which case callers scan.
func Lookup(ds *types.Dataset, collection, field string, values []interface{}) (ids map[string]bool, ok bool) {
	if ds.Indexes == nil {
		return nil, false
	}
	byValue, exists := ds.Indexes[collection][types.IndexName(field)]
	if !exists {
		return nil, false
	}
	ids = map[string]bool{}
	for _, v := range values {
		for _, id := range byValue[query.ValueString(v)] {
			ids[id] = true
		}
	}
	return ids, true
}

// Missing lists the declared fields of a collection that have no index.
func Missing(ds *types.Dataset, collection string, fields []string) []string {
	var missing []string
	for _, field := range fields {
		if ds.Indexes == nil {
			missing = append(missing, field)
			continue
		}
		if _, ok := ds.Indexes[collection][types.IndexName(field)]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// Dangling describes index entries that point at a missing collection or
// at ids no longer present in their collection.
func Dangling(ds *types.Dataset) []string {
	var problems []string
	collections := make([]string, 0, len(ds.Indexes))
	for name := range ds.Indexes {
		collections = append(collections, name)
	}
	sort.Strings(collections)

	for _, collection := range collections {
		docs, ok := ds.Collections[collection]
		if !ok {
			problems = append(problems, fmt.Sprintf("indexes reference missing collection %q", collection))
			continue
		}
		present := make(map[string]bool, len(docs))
		for _, doc := range docs {
			present[doc.ID()] = true
		}
		names := make([]string, 0, len(ds.Indexes[collection]))
		for name := range ds.Indexes[collection] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			stale := 0
			for _, ids := range ds.Indexes[collection][name] {
				for _, id := range ids {
					if !present[id] {
						stale++
					}
				}
			}
			if stale > 0 {
				problems = append(problems, fmt.Sprintf("index %s.%s has %d entries for missing documents", collection, name, stale))
			}
		}
	}
	return problems
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Fields returns the fields that already have an index in collection,
// recovered from the "by_<field>" names.
func Fields(ds *types.Dataset, collection string) []string {
	var fields []string
	for name := range ds.Indexes[collection] {
		if field, ok := strings.CutPrefix(name, types.IndexName("")); ok && field != "" {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}
