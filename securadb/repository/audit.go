package repository

import (
	"sync"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// DefaultAuditSize is the number of entries the audit ring keeps.
const DefaultAuditSize = 1000

// MaskedValue replaces sensitive fields in audit entries.
const MaskedValue = "***"

// Operation names a repository mutation in the audit log.
type Operation string

const (
	OpCreate         Operation = "create"
	OpBulkCreate     Operation = "bulk_create"
	OpUpdate         Operation = "update"
	OpUpdateMany     Operation = "update_many"
	OpUpsert         Operation = "upsert"
	OpDelete         Operation = "delete"
	OpHardDelete     Operation = "hard_delete"
	OpRestore        Operation = "restore"
	OpSaveStructured Operation = "save_structured"
	OpTruncate       Operation = "truncate"
)

// AuditEntry records one mutation attempt, failed or not.
type AuditEntry struct {
	At            time.Time      `json:"at"`
	Operation     Operation      `json:"operation"`
	Collection    string         `json:"collection"`
	DocumentIDs   []string       `json:"documentIds,omitempty"`
	TransactionID string         `json:"transactionId,omitempty"`
	Data          types.Document `json:"data,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
}

// AuditLog is a fixed-size ring of the most recent entries.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	next    int
	full    bool
}

// NewAuditLog returns a ring holding size entries (DefaultAuditSize when
// size <= 0).
func NewAuditLog(size int) *AuditLog {
	if size <= 0 {
		size = DefaultAuditSize
	}
	return &AuditLog{entries: make([]AuditEntry, size)}
}

// Add appends an entry, overwriting the oldest one when full.
func (a *AuditLog) Add(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[a.next] = e
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
}

// Entries returns the retained entries, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		return append([]AuditEntry(nil), a.entries[:a.next]...)
	}
	out := make([]AuditEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	return append(out, a.entries[:a.next]...)
}

// mask returns a copy of doc with every sensitive path replaced.
func mask(doc types.Document, sensitive []string) types.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()
	for _, path := range sensitive {
		if _, ok := out.Get(path); ok {
			out.Set(path, MaskedValue)
		}
	}
	return out
}
