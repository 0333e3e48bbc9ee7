// Package remote defines the authoritative store the sync engine talks to.
//
// Each local collection maps to one remote collection. Documents are keyed
// by id and carry the remote's own write timestamp, which is what conflict
// resolution compares against the local updatedAt.
package remote

import (
	"context"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// Document is a remote copy plus the server-assigned write time.
type Document struct {
	Data       types.Document
	UpdateTime time.Time
}

// Remote is the contract the sync engine relies on.
type Remote interface {
	// Name identifies the implementation in logs and status output.
	Name() string
	// FetchAll returns every document of collection keyed by id.
	FetchAll(ctx context.Context, collection string) (map[string]Document, error)
	// BatchWrite upserts docs by id in one commit.
	BatchWrite(ctx context.Context, collection string, docs []types.Document) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects the remote implementation.
type Config struct {
	// Driver is "" (no remote), "memory", or a database/sql driver name.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Open builds the configured remote. It returns nil, nil when no driver is
// configured; the sync engine then reports the remote as unavailable.
func Open(cfg Config) (Remote, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "memory":
		return NewMemory(nil), nil
	default:
		store, err := OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
