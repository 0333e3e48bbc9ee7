package types

import (
	"strings"
	"time"
)

// Reserved document fields managed by the engine.
const (
	FieldID        = "id"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldDeletedAt = "deletedAt"
	FieldIsActive  = "isActive"

	// SyncMetaPrefix marks fields added locally by the sync engine.
	// They are stripped before a document is written to the remote store.
	SyncMetaPrefix = "_sync"
)

// TimeFormat is the layout used for every timestamp stored in a document.
const TimeFormat = time.RFC3339Nano

// Document is a single record of a collection. Collection-specific fields
// live next to the managed fields (id, createdAt, updatedAt, deletedAt).
type Document map[string]interface{}

// ID returns the document id or "" when it is missing or not a string.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// CreatedAt parses the createdAt field.
func (d Document) CreatedAt() time.Time {
	return d.timeField(FieldCreatedAt)
}

// UpdatedAt parses the updatedAt field.
func (d Document) UpdatedAt() time.Time {
	return d.timeField(FieldUpdatedAt)
}

// LastModified returns updatedAt, falling back to createdAt.
func (d Document) LastModified() time.Time {
	if t := d.UpdatedAt(); !t.IsZero() {
		return t
	}
	return d.CreatedAt()
}

// IsDeleted reports whether the document was soft deleted.
func (d Document) IsDeleted() bool {
	v, ok := d[FieldDeletedAt]
	return ok && v != nil && v != ""
}

func (d Document) timeField(name string) time.Time {
	switch v := d[name].(type) {
	case string:
		t, err := time.Parse(TimeFormat, v)
		if err != nil {
			return time.Time{}
		}
		return t
	case time.Time:
		return v
	}
	return time.Time{}
}

// Get resolves a dotted path ("address.city") inside the document.
func (d Document) Get(path string) (interface{}, bool) {
	if v, ok := d[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set assigns a value at a dotted path, creating intermediate objects.
func (d Document) Set(path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := map[string]interface{}(d)
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(CloneValue(map[string]interface{}(d)).(map[string]interface{}))
}

// WithoutSyncMeta returns a copy without locally-added sync metadata.
func (d Document) WithoutSyncMeta() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if strings.HasPrefix(k, SyncMetaPrefix) {
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// FormatTime renders t the way timestamps are stored in documents.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
func CloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = CloneValue(item)
		}
		return out
	case Document:
		return val.Clone()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return map[string]interface{}(m), true
	}
	return nil, false
}
