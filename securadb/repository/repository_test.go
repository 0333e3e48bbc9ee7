package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/query"
	"github.com/Dev-Stive/securadb/securadb/search"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// stepClock returns a time one second later on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newRepo(t *testing.T, schema types.CollectionSchema, opts ...Option) (*Repository, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "db.json"), storage.WithSchemas(schema))
	if err != nil {
		t.Fatal(err)
	}
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithTimeFunc(clock.Now)}, opts...)
	repo, err := New(schema, store, txn.New(store), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return repo, store
}

func onDisk(t *testing.T, store *storage.Store, collection string) []types.Document {
	t.Helper()
	ds, err := store.Load(context.Background(), storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	return ds.Collection(collection)
}

func names(docs []types.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		name, _ := d["name"].(string)
		out = append(out, name)
	}
	return out
}

func TestWidgetsScenario(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t, types.CollectionSchema{Name: "widgets"})

	created, err := repo.Create(ctx, types.Document{"name": "a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created.ID()
	if id == "" {
		t.Fatal("Create did not assign an id")
	}
	if created[types.FieldCreatedAt] != created[types.FieldUpdatedAt] {
		t.Errorf("createdAt %v != updatedAt %v", created[types.FieldCreatedAt], created[types.FieldUpdatedAt])
	}

	updated, err := repo.Update(ctx, id, types.Document{"name": "b"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated["name"] != "b" {
		t.Errorf("name = %v, want b", updated["name"])
	}
	if !updated.UpdatedAt().After(created.UpdatedAt()) {
		t.Errorf("updatedAt did not advance: %v -> %v", created[types.FieldUpdatedAt], updated[types.FieldUpdatedAt])
	}
	if updated[types.FieldCreatedAt] != created[types.FieldCreatedAt] {
		t.Errorf("createdAt changed: %v -> %v", created[types.FieldCreatedAt], updated[types.FieldCreatedAt])
	}

	n, err := repo.Count(ctx, query.Eq("name", "b"))
	if err != nil || n != 1 {
		t.Errorf("Count(name=b) = %d, %v; want 1", n, err)
	}

	found, err := repo.FindByID(ctx, id)
	if err != nil || found["name"] != "b" {
		t.Errorf("FindByID = %v, %v", found, err)
	}
	missing, err := repo.FindByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("FindByID(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestUniqueFields(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "guests", UniqueFields: []string{"email"}})

	first, err := repo.Create(ctx, types.Document{"name": "Ada", "email": "ada@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := repo.Create(ctx, types.Document{"name": "Bob", "email": "bob@example.com"})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("create duplicate value", func(t *testing.T) {
		_, err := repo.Create(ctx, types.Document{"name": "Eve", "email": "ada@example.com"})
		var verr *types.ValidationError
		if !errors.As(err, &verr) || verr.Field != "email" {
			t.Fatalf("err = %v, want unique violation on email", err)
		}
	})

	t.Run("create duplicate id", func(t *testing.T) {
		_, err := repo.Create(ctx, types.Document{"id": first.ID(), "email": "new@example.com"})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("update into duplicate", func(t *testing.T) {
		_, err := repo.Update(ctx, second.ID(), types.Document{"email": "ada@example.com"})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})

	t.Run("update keeping own value", func(t *testing.T) {
		if _, err := repo.Update(ctx, first.ID(), types.Document{"email": "ada@example.com", "name": "Ada L."}); err != nil {
			t.Fatalf("Update: %v", err)
		}
	})

	t.Run("bulk create is all or nothing", func(t *testing.T) {
		_, err := repo.BulkCreate(ctx, []types.Document{
			{"name": "Cy", "email": "cy@example.com"},
			{"name": "Cy2", "email": "cy@example.com"},
		})
		if !errors.Is(err, types.ErrValidation) {
			t.Fatalf("err = %v, want ErrValidation", err)
		}
	})

	if got := names(onDisk(t, store, "guests")); !cmp.Equal(got, []string{"Ada L.", "Bob"}) {
		t.Errorf("stored names = %v", got)
	}
}

func TestBulkCreate(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "tickets", IndexedFields: []string{"event"}})

	created, err := repo.BulkCreate(ctx, []types.Document{
		{"name": "t1", "event": "e1"},
		{"name": "t2", "event": "e1"},
		{"name": "t3", "event": "e2"},
	})
	if err != nil {
		t.Fatalf("BulkCreate: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("created %d documents, want 3", len(created))
	}
	if got := len(onDisk(t, store, "tickets")); got != 3 {
		t.Errorf("stored %d documents, want 3", got)
	}
	page, err := repo.FindAll(ctx, query.Eq("event", "e1"), ListOptions{Sort: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(page.Items); !cmp.Equal(got, []string{"t1", "t2"}) {
		t.Errorf("event e1 = %v", got)
	}
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "events"})

	doc, err := repo.Create(ctx, types.Document{"name": "launch"})
	if err != nil {
		t.Fatal(err)
	}
	id := doc.ID()

	if err := repo.Delete(ctx, id, DeleteOptions{SoftDelete: true}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if found, err := repo.FindByID(ctx, id); err != nil || found != nil {
		t.Errorf("FindByID after soft delete = %v, %v; want nil", found, err)
	}
	if n, _ := repo.Count(ctx, nil); n != 0 {
		t.Errorf("Count after soft delete = %d, want 0", n)
	}
	page, err := repo.FindAll(ctx, nil, ListOptions{IncludeDeleted: true})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("FindAll(IncludeDeleted) = %v, %v", page.Items, err)
	}
	if page.Items[0][types.FieldIsActive] != false || !page.Items[0].IsDeleted() {
		t.Errorf("soft deleted doc = %v", page.Items[0])
	}
	if stored := onDisk(t, store, "events"); len(stored) != 1 || !stored[0].IsDeleted() {
		t.Errorf("stored = %v, want one soft-deleted document", stored)
	}

	t.Run("hidden documents are not found", func(t *testing.T) {
		if _, err := repo.Update(ctx, id, types.Document{"name": "x"}); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Update err = %v, want ErrNotFound", err)
		}
		if err := repo.Delete(ctx, id, DeleteOptions{SoftDelete: true}); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Delete err = %v, want ErrNotFound", err)
		}
	})

	restored, err := repo.Restore(ctx, id)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.IsDeleted() || restored[types.FieldIsActive] != true {
		t.Errorf("restored = %v", restored)
	}
	found, err := repo.FindByID(ctx, id)
	if err != nil || found == nil || found["name"] != "launch" {
		t.Errorf("FindByID after restore = %v, %v", found, err)
	}
	if again, err := repo.Restore(ctx, id); err != nil || again.IsDeleted() {
		t.Errorf("second Restore = %v, %v", again, err)
	}
	if _, err := repo.Restore(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Restore(missing) err = %v, want ErrNotFound", err)
	}

	if err := repo.HardDelete(ctx, id); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	if stored := onDisk(t, store, "events"); len(stored) != 0 {
		t.Errorf("stored after hard delete = %v", stored)
	}
	if err := repo.HardDelete(ctx, id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second HardDelete err = %v, want ErrNotFound", err)
	}
}

func TestSchemaSoftDelete(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "guests", SoftDelete: true})

	doc, err := repo.Create(ctx, types.Document{"name": "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if doc[types.FieldIsActive] != true {
		t.Errorf("isActive = %v, want true", doc[types.FieldIsActive])
	}
	if err := repo.Delete(ctx, doc.ID(), DeleteOptions{}); err != nil {
		t.Fatal(err)
	}
	if stored := onDisk(t, store, "guests"); len(stored) != 1 || !stored[0].IsDeleted() {
		t.Errorf("stored = %v, want the document kept as deleted", stored)
	}
}

func TestFindAll(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "widgets", IndexedFields: []string{"color"}})

	for i, color := range []string{"red", "blue", "red", "green", "red"} {
		if _, err := repo.Create(ctx, types.Document{"name": fmt.Sprintf("w%d", i+1), "rank": i + 1, "color": color}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("paginates sorted matches", func(t *testing.T) {
		page, err := repo.FindAll(ctx, query.Gte("rank", 2), ListOptions{Page: 2, Limit: 2, Sort: "-rank"})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(page.Items); !cmp.Equal(got, []string{"w3", "w2"}) {
			t.Errorf("items = %v, want [w3 w2]", got)
		}
		want := query.Pagination{Page: 2, Limit: 2, Total: 4, TotalPages: 2, HasNext: false, HasPrev: true}
		if diff := cmp.Diff(want, page.Pagination); diff != "" {
			t.Errorf("pagination mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("uses the index", func(t *testing.T) {
		page, err := repo.FindAll(ctx, query.And(query.Eq("color", "red"), query.Lt("rank", 5)), ListOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(page.Items); !cmp.Equal(got, []string{"w1", "w3"}) {
			t.Errorf("items = %v, want [w1 w3]", got)
		}
	})

	t.Run("index follows updates", func(t *testing.T) {
		one, err := repo.FindOne(ctx, query.Eq("name", "w1"))
		if err != nil || one == nil {
			t.Fatalf("FindOne = %v, %v", one, err)
		}
		if _, err := repo.Update(ctx, one.ID(), types.Document{"color": "blue"}); err != nil {
			t.Fatal(err)
		}
		ds, err := store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
		if err != nil {
			t.Fatal(err)
		}
		byColor := ds.Indexes["widgets"][types.IndexName("color")]
		if len(byColor["red"]) != 2 || len(byColor["blue"]) != 2 {
			t.Errorf("by_color = %v", byColor)
		}
		if n, _ := repo.Count(ctx, query.Eq("color", "red")); n != 2 {
			t.Errorf("Count(red) = %d, want 2", n)
		}
	})

	t.Run("exists", func(t *testing.T) {
		if ok, err := repo.Exists(ctx, query.Eq("color", "green")); err != nil || !ok {
			t.Errorf("Exists(green) = %v, %v", ok, err)
		}
		if ok, err := repo.Exists(ctx, query.Eq("color", "purple")); err != nil || ok {
			t.Errorf("Exists(purple) = %v, %v", ok, err)
		}
		if one, err := repo.FindOne(ctx, query.Eq("color", "purple")); err != nil || one != nil {
			t.Errorf("FindOne(purple) = %v, %v; want nil, nil", one, err)
		}
	})

	t.Run("operator map filters", func(t *testing.T) {
		f, err := query.Parse(map[string]interface{}{"color": map[string]interface{}{"$in": []interface{}{"green", "blue"}}})
		if err != nil {
			t.Fatal(err)
		}
		page, err := repo.FindAll(ctx, f, ListOptions{Sort: "name"})
		if err != nil {
			t.Fatal(err)
		}
		if got := names(page.Items); !cmp.Equal(got, []string{"w1", "w2", "w4"}) {
			t.Errorf("items = %v, want [w1 w2 w4]", got)
		}
	})
}

func TestUpsertAndUpdateMany(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t, types.CollectionSchema{Name: "guests"})

	first, created, err := repo.Upsert(ctx, query.Eq("email", "ada@example.com"), types.Document{"email": "ada@example.com", "name": "Ada", "status": "new"})
	if err != nil || !created {
		t.Fatalf("first Upsert = %v, %v, %v", first, created, err)
	}
	second, created, err := repo.Upsert(ctx, query.Eq("email", "ada@example.com"), types.Document{"name": "Ada L."})
	if err != nil || created {
		t.Fatalf("second Upsert = %v, %v, %v", second, created, err)
	}
	if second.ID() != first.ID() || second["name"] != "Ada L." || second["email"] != "ada@example.com" {
		t.Errorf("upserted = %v", second)
	}

	if _, err := repo.Create(ctx, types.Document{"name": "Bob", "status": "new"}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, types.Document{"name": "Cy", "status": "checked_in"}); err != nil {
		t.Fatal(err)
	}

	n, err := repo.UpdateMany(ctx, query.Eq("status", "new"), types.Document{"status": "invited"})
	if err != nil || n != 2 {
		t.Fatalf("UpdateMany = %d, %v; want 2", n, err)
	}
	if got, _ := repo.Count(ctx, query.Eq("status", "invited")); got != 2 {
		t.Errorf("Count(invited) = %d, want 2", got)
	}
	if _, err := repo.UpdateMany(ctx, nil, types.Document{"id": "x"}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("UpdateMany(id) err = %v, want ErrValidation", err)
	}

	t.Run("nil removes a field", func(t *testing.T) {
		doc, err := repo.Update(ctx, first.ID(), types.Document{"status": nil})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := doc["status"]; ok {
			t.Errorf("status still present: %v", doc)
		}
	})

	t.Run("id cannot change", func(t *testing.T) {
		if _, err := repo.Update(ctx, first.ID(), types.Document{"id": "other"}); !errors.Is(err, types.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestSaveStructuredDataAndTruncate(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "events", IndexedFields: []string{"kind"}})

	doc, err := repo.Create(ctx, types.Document{"name": "gala", "kind": "party"})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := repo.SaveStructuredData(ctx, doc.ID(), "venue.address.city", "Paris")
	if err != nil {
		t.Fatalf("SaveStructuredData: %v", err)
	}
	if city, _ := updated.Get("venue.address.city"); city != "Paris" {
		t.Errorf("venue.address.city = %v", city)
	}
	if _, err := repo.SaveStructuredData(ctx, doc.ID(), "createdAt", "x"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("managed field err = %v, want ErrValidation", err)
	}
	if _, err := repo.SaveStructuredData(ctx, "missing", "venue", "x"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing doc err = %v, want ErrNotFound", err)
	}

	if _, err := repo.Create(ctx, types.Document{"name": "meetup", "kind": "talk"}); err != nil {
		t.Fatal(err)
	}
	n, err := repo.Truncate(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Truncate = %d, %v; want 2", n, err)
	}
	ds, err := store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.Collection("events")) != 0 {
		t.Errorf("events = %v, want empty", ds.Collection("events"))
	}
	if byKind := ds.Indexes["events"][types.IndexName("kind")]; len(byKind) != 0 {
		t.Errorf("by_kind = %v, want empty", byKind)
	}
}

func TestValidatorHook(t *testing.T) {
	ctx := context.Background()
	var seen []Operation
	requireName := func(ctx context.Context, op Operation, doc types.Document) error {
		seen = append(seen, op)
		if op == OpCreate && doc["name"] == nil {
			return errors.New("name is required")
		}
		return nil
	}
	repo, _ := newRepo(t, types.CollectionSchema{Name: "guests"}, WithValidator(requireName))

	if _, err := repo.Create(ctx, types.Document{"email": "x@example.com"}); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if n, _ := repo.Count(ctx, nil); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
	doc, err := repo.Create(ctx, types.Document{"name": "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Update(ctx, doc.ID(), types.Document{"name": "Ada L."}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Operation{OpCreate, OpCreate, OpUpdate}, seen); diff != "" {
		t.Errorf("validator calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRejectsNonFiniteNumbers(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t, types.CollectionSchema{Name: "readings"})

	doc, err := repo.Create(ctx, types.Document{"value": 1.5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, types.Document{"value": math.NaN()}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Create(NaN) err = %v, want ErrValidation", err)
	}
	if _, err := repo.Update(ctx, doc.ID(), types.Document{"value": math.Inf(1)}); !errors.Is(err, types.ErrValidation) {
		t.Errorf("Update(+Inf) err = %v, want ErrValidation", err)
	}
	if got := len(onDisk(t, store, "readings")); got != 1 {
		t.Errorf("stored %d readings, want 1", got)
	}
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t, types.CollectionSchema{Name: "users", SensitiveFields: []string{"password", "token.secret"}})

	doc, err := repo.Create(ctx, types.Document{
		"name":     "Ada",
		"password": "hunter2",
		"token":    map[string]interface{}{"secret": "s3", "kind": "api"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if doc["password"] != "hunter2" {
		t.Errorf("stored password was masked: %v", doc["password"])
	}
	if _, err := repo.Update(ctx, "missing", types.Document{"name": "x"}); err == nil {
		t.Fatal("Update(missing) succeeded")
	}

	entries := repo.AuditLog()
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}

	created := entries[0]
	if created.Operation != OpCreate || !created.Success || created.TransactionID == "" {
		t.Errorf("create entry = %+v", created)
	}
	if created.Data["password"] != MaskedValue {
		t.Errorf("password = %v, want masked", created.Data["password"])
	}
	if secret, _ := created.Data.Get("token.secret"); secret != MaskedValue {
		t.Errorf("token.secret = %v, want masked", secret)
	}
	if kind, _ := created.Data.Get("token.kind"); kind != "api" {
		t.Errorf("token.kind = %v, want api", kind)
	}

	failed := entries[1]
	if failed.Success || failed.Error == "" || !cmp.Equal(failed.DocumentIDs, []string{"missing"}) {
		t.Errorf("failed entry = %+v", failed)
	}
}

func TestAuditRing(t *testing.T) {
	log := NewAuditLog(2)
	for _, op := range []Operation{OpCreate, OpUpdate, OpDelete} {
		log.Add(AuditEntry{Operation: op})
	}
	var got []Operation
	for _, e := range log.Entries() {
		got = append(got, e.Operation)
	}
	if diff := cmp.Diff([]Operation{OpUpdate, OpDelete}, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestCachedReads(t *testing.T) {
	ctx := context.Background()
	layer := cache.New(cache.NewMemory(0))
	t.Cleanup(func() { _ = layer.Close() })
	repo, store := newRepo(t, types.CollectionSchema{Name: "guests"}, WithCache(layer, time.Minute))

	doc, err := repo.Create(ctx, types.Document{"name": "Ada"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.FindAll(ctx, nil, ListOptions{}); err != nil {
		t.Fatal(err)
	}

	// Write behind the repository's back: the cached page goes stale.
	ds, err := store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	ds.SetCollection("guests", append(ds.Collection("guests"), types.Document{"id": "g2", "name": "Bob"}))
	if err := store.Save(ctx, ds, storage.SaveOptions{Reason: "external"}); err != nil {
		t.Fatal(err)
	}

	cached, err := repo.FindAll(ctx, nil, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(cached.Items); !cmp.Equal(got, []string{"Ada"}) {
		t.Errorf("cached items = %v, want [Ada]", got)
	}
	if layer.Stats().Hits != 1 {
		t.Errorf("hits = %d, want 1", layer.Stats().Hits)
	}

	fresh, err := repo.FindAll(ctx, nil, ListOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(fresh.Items); !cmp.Equal(got, []string{"Ada", "Bob"}) {
		t.Errorf("fresh items = %v, want [Ada Bob]", got)
	}

	if _, err := repo.Update(ctx, doc.ID(), types.Document{"name": "Ada L."}); err != nil {
		t.Fatal(err)
	}
	after, err := repo.FindAll(ctx, nil, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := names(after.Items); !cmp.Equal(got, []string{"Ada L.", "Bob"}) {
		t.Errorf("items after update = %v, want [Ada L. Bob]", got)
	}
}

func TestCachedReadsKeepOperandTypes(t *testing.T) {
	ctx := context.Background()
	layer := cache.New(cache.NewMemory(0))
	t.Cleanup(func() { _ = layer.Close() })
	repo, _ := newRepo(t, types.CollectionSchema{Name: "counters"}, WithCache(layer, time.Minute))

	if _, err := repo.Create(ctx, types.Document{"n": 1}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter query.Filter
		want   int
	}{
		{"number", query.Eq("n", 1), 1},
		{"numeric string", query.Eq("n", "1"), 0},
		{"number list", query.In("n", 1, 2), 1},
		{"string list", query.In("n", "1", "2"), 0},
	}
	// Each filter runs twice so the second read comes from the cache.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				n, err := repo.Count(ctx, tt.filter)
				if err != nil {
					t.Fatal(err)
				}
				if n != tt.want {
					t.Errorf("read %d: Count = %d, want %d", i+1, n, tt.want)
				}
			}
		})
	}
}

func TestIndexedTypedSlices(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t, types.CollectionSchema{Name: "posts", IndexedFields: []string{"tags"}})

	if _, err := repo.Create(ctx, types.Document{"name": "typed", "tags": []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Create(ctx, types.Document{"name": "plain", "tags": []interface{}{"b", "c"}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter query.Filter
		want   []string
	}{
		{"eq on typed slice", query.Eq("tags", "a"), []string{"typed"}},
		{"eq on both kinds", query.Eq("tags", "b"), []string{"typed", "plain"}},
		{"in", query.In("tags", "a", "c"), []string{"typed", "plain"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := repo.FindAll(ctx, tt.filter, ListOptions{ForceRefresh: true})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, names(page.Items)); diff != "" {
				t.Errorf("items mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t, types.CollectionSchema{Name: "notes", SensitiveFields: []string{"pin"}})
	for _, doc := range []types.Document{
		{"id": "n1", "name": "Groceries", "body": "bread and milk", "pin": "milk"},
		{"id": "n2", "name": "milkshake recipe", "body": "blend"},
		{"id": "n3", "name": "Old milk note", "body": "expired"},
	} {
		if _, err := repo.Create(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Delete(ctx, "n3", DeleteOptions{SoftDelete: true}); err != nil {
		t.Fatal(err)
	}

	results, err := repo.Search(ctx, search.Options{Query: "milk", Highlight: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range results {
		ids = append(ids, r.Document.ID())
	}
	// n2 has a prefix hit; n1 only matches in its body; n3 is deleted.
	if diff := cmp.Diff([]string{"n2", "n1"}, ids); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"body"}, results[1].MatchedFields); diff != "" {
		t.Errorf("pin was searched (-want +got):\n%s", diff)
	}
	if got := results[0].Highlights["name"]; got != "**milk**shake recipe" {
		t.Errorf("highlight = %q", got)
	}
}
