// Package testutil opens a throwaway database seeded with a small fixture
// universe of users and orders.
package testutil

import (
	"context"
	_ "embed"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Dev-Stive/securadb/securadb"
	"github.com/Dev-Stive/securadb/securadb/repository"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/types"
)

//go:embed testdata/universe.json
var universeJSON []byte

// Epoch is the first instant handed out by a Clock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Clock is a deterministic time source that advances by Step on every
// call to Now.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	Step time.Duration
}

// NewClock starts at Epoch and advances one second per call.
func NewClock() *Clock {
	return &Clock{now: Epoch, Step: time.Second}
}

// Now returns the current instant, then advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.Step)
	return now
}

// Schemas declares the fixture collections.
func Schemas() []types.CollectionSchema {
	return []types.CollectionSchema{
		{
			Name:            "users",
			UniqueFields:    []string{"email"},
			IndexedFields:   []string{"role"},
			SensitiveFields: []string{"password"},
			SoftDelete:      true,
		},
		{
			Name:          "orders",
			IndexedFields: []string{"userId", "status"},
			References:    []types.Reference{{Field: "userId", Target: "users"}},
		},
	}
}

// UniverseData provides typed access to the seeded documents, as stored
// (ids, timestamps and soft-delete markers included).
type UniverseData struct {
	DB     *securadb.DB
	Clock  *Clock
	Users  *repository.Repository
	Orders *repository.Repository

	Ada       types.Document // admin, nested profile
	Bob       types.Document // minor (age 17)
	Cleo      types.Document // soft deleted
	Dan       types.Document // owner, unicode name
	Eve       types.Document // empty name
	PaidOrder types.Document // o-1, Ada's paid order

	// ByID maps "collection/id" to every seeded document.
	ByID map[string]types.Document
}

type fixtureData struct {
	Collections map[string][]types.Document `json:"collections"`
	Deleted     map[string][]string         `json:"deleted"`
}

// LoadUniverse opens a database in a temporary directory and seeds it with
// testdata/universe.json. Background maintenance is disabled and the
// database is closed when the test ends.
func LoadUniverse(t *testing.T, opts ...securadb.Option) *UniverseData {
	t.Helper()
	ctx := context.Background()

	var fixture fixtureData
	if err := json.Unmarshal(universeJSON, &fixture); err != nil {
		t.Fatalf("failed to parse fixture: %v", err)
	}

	clock := NewClock()
	cfg := securadb.Config{
		DataDir:            t.TempDir(),
		Schemas:            Schemas(),
		Maintenance:        securadb.MaintenanceConfig{Disabled: true},
		SkipShutdownBackup: true,
	}
	opts = append([]securadb.Option{securadb.WithTimeFunc(clock.Now)}, opts...)
	db, err := securadb.Open(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(context.Background()) })

	universe := &UniverseData{DB: db, Clock: clock, ByID: map[string]types.Document{}}
	repos := map[string]*repository.Repository{}
	for _, schema := range Schemas() {
		repo, err := db.Repository(schema)
		if err != nil {
			t.Fatalf("failed to create %s repository: %v", schema.Name, err)
		}
		repos[schema.Name] = repo
		if _, err := repo.BulkCreate(ctx, fixture.Collections[schema.Name]); err != nil {
			t.Fatalf("failed to seed %s: %v", schema.Name, err)
		}
		for _, id := range fixture.Deleted[schema.Name] {
			if err := repo.Delete(ctx, id, repository.DeleteOptions{SoftDelete: true}); err != nil {
				t.Fatalf("failed to delete %s/%s: %v", schema.Name, id, err)
			}
		}
	}
	universe.Users, universe.Orders = repos["users"], repos["orders"]

	ds, err := db.Store().Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("failed to reload dataset: %v", err)
	}
	for name, docs := range ds.Collections {
		for _, doc := range docs {
			universe.ByID[name+"/"+doc.ID()] = doc
		}
	}

	universe.Ada = universe.ByID["users/u-ada"]
	universe.Bob = universe.ByID["users/u-bob"]
	universe.Cleo = universe.ByID["users/u-cleo"]
	universe.Dan = universe.ByID["users/u-dan"]
	universe.Eve = universe.ByID["users/u-eve"]
	universe.PaidOrder = universe.ByID["orders/o-1"]
	return universe
}

// Live returns the documents of collection that are not soft deleted,
// ordered by id.
func (u *UniverseData) Live(collection string) []types.Document {
	var out []types.Document
	for key, doc := range u.ByID {
		if strings.HasPrefix(key, collection+"/") && !doc.IsDeleted() {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Where returns the live documents of collection whose field equals value.
func (u *UniverseData) Where(collection, field string, value interface{}) []types.Document {
	var out []types.Document
	for _, doc := range u.Live(collection) {
		if got, ok := doc.Get(field); ok && got == value {
			out = append(out, doc)
		}
	}
	return out
}
