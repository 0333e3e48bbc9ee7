package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// ErrOffline is returned by a Memory remote taken offline with SetOnline.
var ErrOffline = errors.New("remote offline")

// Memory is an in-process Remote. It backs tests and single-host setups
// that want the sync bookkeeping without a server.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	online      bool
	writes      int
	timeFunc    func() time.Time
}

// NewMemory returns an empty, online Memory remote. A nil clock uses time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		collections: map[string]map[string]Document{},
		online:      true,
		timeFunc:    clock,
	}
}

// Name implements Remote.
func (m *Memory) Name() string { return "memory" }

// SetOnline toggles availability; an offline remote fails every call.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// Put stores a document with an explicit update time, bypassing BatchWrite.
func (m *Memory) Put(collection string, doc types.Document, updated time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, doc, updated)
}

func (m *Memory) put(collection string, doc types.Document, updated time.Time) {
	coll, ok := m.collections[collection]
	if !ok {
		coll = map[string]Document{}
		m.collections[collection] = coll
	}
	coll[doc.ID()] = Document{Data: doc.Clone(), UpdateTime: updated.UTC()}
}

// Writes counts BatchWrite calls that succeeded.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// FetchAll implements Remote.
func (m *Memory) FetchAll(_ context.Context, collection string) (map[string]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.online {
		return nil, ErrOffline
	}
	out := make(map[string]Document, len(m.collections[collection]))
	for id, doc := range m.collections[collection] {
		out[id] = Document{Data: doc.Data.Clone(), UpdateTime: doc.UpdateTime}
	}
	return out, nil
}

// BatchWrite implements Remote.
func (m *Memory) BatchWrite(_ context.Context, collection string, docs []types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return ErrOffline
	}
	for _, doc := range docs {
		if doc.ID() == "" {
			return fmt.Errorf("document without id in %s", collection)
		}
	}
	now := m.timeFunc()
	for _, doc := range docs {
		m.put(collection, doc, now)
	}
	m.writes++
	return nil
}

// Ping implements Remote.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.online {
		return ErrOffline
	}
	return nil
}

// Close implements Remote.
func (m *Memory) Close() error { return nil }
