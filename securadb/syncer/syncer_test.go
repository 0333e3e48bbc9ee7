package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/Dev-Stive/securadb/securadb/remote"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

var syncNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func day(d int) time.Time { return time.Date(2024, 5, d, 0, 0, 0, 0, time.UTC) }

func guest(id, name string, updated time.Time) types.Document {
	return types.Document{"id": id, "name": name, "updatedAt": types.FormatTime(updated)}
}

type env struct {
	dir    string
	store  *storage.Store
	remote *remote.Memory
	engine *Engine
}

func newEnv(t *testing.T, cfg Config, opts ...Option) env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "db.json"), storage.WithCollections("guests"))
	if err != nil {
		t.Fatal(err)
	}
	rem := remote.NewMemory(func() time.Time { return syncNow })
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = filepath.Join(dir, OutboxFilename)
	}
	opts = append([]Option{WithTimeFunc(func() time.Time { return syncNow })}, opts...)
	engine, err := New(cfg, store, txn.New(store), rem, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return env{dir: dir, store: store, remote: rem, engine: engine}
}

func (e env) seed(t *testing.T, docs ...types.Document) {
	t.Helper()
	ctx := context.Background()
	ds, err := e.store.Load(ctx, storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	ds.SetCollection("guests", docs)
	if err := e.store.Save(ctx, ds, storage.SaveOptions{Reason: "seed"}); err != nil {
		t.Fatal(err)
	}
}

func (e env) load(t *testing.T) *types.Dataset {
	t.Helper()
	ds, err := e.store.Load(context.Background(), storage.LoadOptions{ForceRefresh: true})
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func byID(docs []types.Document) map[string]types.Document {
	out := map[string]types.Document{}
	for _, d := range docs {
		out[d.ID()] = d
	}
	return out
}

func TestResolve(t *testing.T) {
	local := guest("g1", "local", day(2))
	older := remote.Document{Data: guest("g1", "remote", day(1)), UpdateTime: day(1)}
	newer := remote.Document{Data: guest("g1", "remote", day(3)), UpdateTime: day(3)}
	tie := remote.Document{Data: guest("g1", "remote", day(2)), UpdateTime: day(2)}
	same := remote.Document{Data: types.Document{"id": "g1", "name": "local", "updatedAt": local["updatedAt"], "_syncedAt": "x"}, UpdateTime: day(9)}

	tests := []struct {
		name     string
		strategy types.Strategy
		remote   remote.Document
		want     Action
	}{
		{"timestamp local newer", types.StrategyTimestamp, older, ActionUpload},
		{"timestamp remote newer", types.StrategyTimestamp, newer, ActionDownload},
		{"timestamp tie favors local", types.StrategyTimestamp, tie, ActionUpload},
		{"server wins", types.StrategyServerWins, older, ActionDownload},
		{"client wins", types.StrategyClientWins, newer, ActionUpload},
		{"merge", types.StrategyMerge, newer, ActionMerge},
		{"identical ignores sync fields", types.StrategyServerWins, same, ActionSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := Resolve(tt.strategy, local, tt.remote)
			second := Resolve(tt.strategy, local.Clone(), tt.remote)
			if first.Action != tt.want {
				t.Errorf("action = %s, want %s", first.Action, tt.want)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("resolution not deterministic (-first +second):\n%s", diff)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	local := types.Document{
		"id":        "e1",
		"title":     "Local title",
		"tags":      []interface{}{"a", "b"},
		"venue":     map[string]interface{}{"city": "Paris", "room": "A"},
		"updatedAt": types.FormatTime(day(1)),
		"_syncedAt": "old",
	}
	rem := remote.Document{
		Data: types.Document{
			"id":        "e1",
			"title":     "Remote title",
			"tags":      []interface{}{"b", "c"},
			"venue":     map[string]interface{}{"city": "Lyon", "floor": float64(2)},
			"capacity":  float64(50),
			"updatedAt": types.FormatTime(day(5)),
		},
		UpdateTime: day(5),
	}

	res := Resolve(types.StrategyMerge, local, rem)
	want := types.Document{
		"id":        "e1",
		"title":     "Remote title",
		"tags":      []interface{}{"a", "b", "c"},
		"venue":     map[string]interface{}{"city": "Lyon", "room": "A", "floor": float64(2)},
		"capacity":  float64(50),
		"updatedAt": types.FormatTime(day(5)),
	}
	if diff := cmp.Diff(want, res.Doc); diff != "" {
		t.Errorf("merge mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncToRemote(t *testing.T) {
	e := newEnv(t, Config{})
	e.seed(t,
		guest("g1", "only local", day(1)),
		guest("g2", "local edit", day(2)),
		guest("g3", "stale local", day(1)),
		guest("g4", "same", day(1)),
	)
	e.remote.Put("guests", guest("g2", "old remote", day(1)), day(1))
	e.remote.Put("guests", guest("g3", "fresh remote", day(3)), day(3))
	e.remote.Put("guests", guest("g4", "same", day(1)), day(4))
	e.remote.Put("guests", guest("g5", "only remote", day(2)), day(2))

	ctx := context.Background()
	result, err := e.engine.SyncToRemote(ctx, nil, "test")
	if err != nil {
		t.Fatalf("SyncToRemote: %v", err)
	}
	if diff := cmp.Diff(Result{Uploaded: 2, Downloaded: 2, Conflicts: 2}, result,
		cmpopts.IgnoreFields(Result{}, "Duration"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	remoteDocs, _ := e.remote.FetchAll(ctx, "guests")
	if got := remoteDocs["g2"].Data["name"]; got != "local edit" {
		t.Errorf("remote g2 = %v, want local edit", got)
	}
	for id, doc := range remoteDocs {
		if _, ok := doc.Data[SyncedAtField]; ok {
			t.Errorf("remote %s carries sync metadata", id)
		}
	}

	ds := e.load(t)
	local := byID(ds.Collection("guests"))
	if len(local) != 5 {
		t.Fatalf("local has %d guests, want 5", len(local))
	}
	if got := local["g3"]["name"]; got != "fresh remote" {
		t.Errorf("local g3 = %v, want fresh remote", got)
	}
	for _, id := range []string{"g1", "g2", "g3", "g5"} {
		if _, ok := local[id][SyncedAtField]; !ok {
			t.Errorf("local %s not stamped as synced", id)
		}
	}
	if _, ok := local["g4"][SyncedAtField]; ok {
		t.Error("untouched g4 was stamped")
	}

	var resolutions []string
	for _, c := range ds.Sync.Conflicts {
		resolutions = append(resolutions, c.ID+":"+c.Resolution)
	}
	if diff := cmp.Diff([]string{"g2:upload", "g3:download"}, resolutions); diff != "" {
		t.Errorf("conflicts mismatch (-want +got):\n%s", diff)
	}
	if len(ds.Sync.SyncLog) != 1 || ds.Sync.SyncLog[0].Reason != "test" {
		t.Errorf("sync log = %+v", ds.Sync.SyncLog)
	}
	if ds.Sync.LastPush == nil || !ds.Sync.LastPush.Equal(syncNow) {
		t.Errorf("lastPush = %v", ds.Sync.LastPush)
	}
	if ds.Sync.Status != types.SyncStatusIdle {
		t.Errorf("status = %s", ds.Sync.Status)
	}
	if n := len(e.engine.Conflicts()); n != 2 {
		t.Errorf("in-memory conflict log has %d entries", n)
	}

	again, err := e.engine.SyncToRemote(ctx, []string{"guests"}, "again")
	if err != nil {
		t.Fatal(err)
	}
	if again.Uploaded+again.Downloaded+again.Conflicts != 0 {
		t.Errorf("second sync not a no-op: %+v", again)
	}
}

func TestSyncBatches(t *testing.T) {
	e := newEnv(t, Config{BatchSize: 2})
	var docs []types.Document
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		docs = append(docs, guest(id, id, day(1)))
	}
	e.seed(t, docs...)

	result, err := e.engine.SyncToRemote(context.Background(), nil, "batch")
	if err != nil {
		t.Fatal(err)
	}
	if result.Uploaded != 5 || e.remote.Writes() != 3 {
		t.Errorf("uploaded %d in %d batches, want 5 in 3", result.Uploaded, e.remote.Writes())
	}
}

func TestSyncFailures(t *testing.T) {
	t.Run("NoRemote", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := storage.New(filepath.Join(dir, "db.json"))
		engine, err := New(Config{OutboxPath: filepath.Join(dir, OutboxFilename)}, store, txn.New(store), nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := engine.SyncToRemote(context.Background(), nil, "x"); !errors.Is(err, types.ErrSyncUnavailable) {
			t.Errorf("expected SyncUnavailableError, got %v", err)
		}
	})

	t.Run("Offline", func(t *testing.T) {
		e := newEnv(t, Config{})
		e.remote.SetOnline(false)
		if _, err := e.engine.SyncToRemote(context.Background(), nil, "x"); !errors.Is(err, types.ErrSyncUnavailable) {
			t.Errorf("expected SyncUnavailableError, got %v", err)
		}
	})

	t.Run("InProgress", func(t *testing.T) {
		e := newEnv(t, Config{})
		if !e.engine.begin() {
			t.Fatal("could not take the guard")
		}
		defer e.engine.end()
		result, err := e.engine.SyncToRemote(context.Background(), nil, "x")
		if err != nil || !result.Skipped {
			t.Errorf("expected a skipped run, got %+v, %v", result, err)
		}
		if !e.engine.Status().Running {
			t.Error("status does not report the running sync")
		}
	})

	t.Run("InvalidStrategy", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := storage.New(filepath.Join(dir, "db.json"))
		_, err := New(Config{Strategy: "coin_flip", OutboxPath: filepath.Join(dir, "o")}, store, txn.New(store), nil)
		if !errors.Is(err, types.ErrValidation) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestPullFromRemote(t *testing.T) {
	e := newEnv(t, Config{}, WithSchemas(types.CollectionSchema{Name: "guests", IndexedFields: []string{"name"}}))
	e.seed(t, guest("g1", "local only", day(1)))
	e.remote.Put("guests", guest("r2", "Bob", day(2)), day(2))
	e.remote.Put("guests", guest("r1", "Ada", day(2)), day(2))

	result, err := e.engine.PullFromRemote(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Downloaded != 2 {
		t.Errorf("downloaded %d, want 2", result.Downloaded)
	}

	ds := e.load(t)
	var ids []string
	for _, d := range ds.Collection("guests") {
		ids = append(ids, d.ID())
	}
	if diff := cmp.Diff([]string{"r1", "r2"}, ids); diff != "" {
		t.Errorf("pulled ids mismatch (-want +got):\n%s", diff)
	}
	if got := ds.Indexes["guests"][types.IndexName("name")]["Ada"]; !cmp.Equal(got, []string{"r1"}) {
		t.Errorf("name index for Ada = %v", got)
	}
	if ds.Sync.LastPull == nil {
		t.Error("lastPull not set")
	}
}

func TestOutbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), OutboxFilename)
	box, err := OpenOutbox(path, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, reason := range []string{"r1", "r2", "r3", "r4"} {
		if err := box.Push(NewItem(reason, []string{"guests"}, syncNow)); err != nil {
			t.Fatal(err)
		}
	}
	reasons := func(items []Item) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Reason)
		}
		return out
	}
	if diff := cmp.Diff([]string{"r2", "r3", "r4"}, reasons(box.Items())); diff != "" {
		t.Errorf("push dropped the wrong item (-want +got):\n%s", diff)
	}

	item, ok := box.Peek()
	if !ok || item.Reason != "r2" {
		t.Fatalf("Peek = %+v, %v", item, ok)
	}
	if box.Len() != 3 {
		t.Errorf("Peek removed the head: %d items left", box.Len())
	}
	item.Attempts++
	if err := box.Retry(item); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"r2", "r3", "r4"}, reasons(box.Items())); diff != "" {
		t.Errorf("retry in place mismatch (-want +got):\n%s", diff)
	}

	// A full outbox drops the in-flight head; Retry puts it back in front.
	_ = box.Push(NewItem("r5", nil, syncNow))
	if diff := cmp.Diff([]string{"r3", "r4", "r5"}, reasons(box.Items())); diff != "" {
		t.Errorf("push while full mismatch (-want +got):\n%s", diff)
	}
	item.Attempts++
	_ = box.Retry(item)
	if diff := cmp.Diff([]string{"r2", "r3", "r4"}, reasons(box.Items())); diff != "" {
		t.Errorf("front re-queue mismatch (-want +got):\n%s", diff)
	}
	if err := box.Remove("no-such-id"); err != nil {
		t.Errorf("Remove(unknown) = %v", err)
	}

	reopened, err := OpenOutbox(path, 3, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(box.Items(), reopened.Items()); diff != "" {
		t.Errorf("outbox did not survive reopening (-want +got):\n%s", diff)
	}
	if reopened.Items()[0].Attempts != 2 {
		t.Errorf("attempts not persisted")
	}
}

func TestDrainOnce(t *testing.T) {
	e := newEnv(t, Config{})
	e.seed(t, guest("g1", "Ada", day(1)))
	e.remote.SetOnline(false)

	if err := e.engine.Enqueue("create", []string{"guests"}); err != nil {
		t.Fatal(err)
	}
	took, err := e.engine.DrainOnce(context.Background())
	if !took || err == nil {
		t.Fatalf("expected a failed drain, got %v, %v", took, err)
	}
	items := e.engine.Outbox().Items()
	if len(items) != 1 || items[0].Attempts != 1 {
		t.Fatalf("request not re-queued with an attempt: %+v", items)
	}

	e.remote.SetOnline(true)
	if took, err := e.engine.DrainOnce(context.Background()); !took || err != nil {
		t.Fatalf("drain after recovery = %v, %v", took, err)
	}
	if e.engine.Outbox().Len() != 0 {
		t.Error("outbox not empty after a successful drain")
	}
	if took, _ := e.engine.DrainOnce(context.Background()); took {
		t.Error("drained from an empty outbox")
	}
}

// gatedRemote blocks FetchAll until release is closed.
type gatedRemote struct {
	*remote.Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) FetchAll(ctx context.Context, collection string) (map[string]remote.Document, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Memory.FetchAll(ctx, collection)
}

func TestDrainKeepsRequestUntilSynced(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "db.json"), storage.WithCollections("guests"))
	if err != nil {
		t.Fatal(err)
	}
	gate := &gatedRemote{
		Memory:  remote.NewMemory(func() time.Time { return syncNow }),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	outboxPath := filepath.Join(dir, OutboxFilename)
	engine, err := New(Config{OutboxPath: outboxPath}, store, txn.New(store), gate, WithTimeFunc(func() time.Time { return syncNow }))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Enqueue("create", []string{"guests"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := engine.DrainOnce(ctx)
		done <- err
	}()
	<-gate.entered

	// What a restart would see while the sync is in flight.
	inFlight, err := OpenOutbox(outboxPath, 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if inFlight.Len() != 1 {
		t.Errorf("outbox on disk during sync has %d requests, want 1", inFlight.Len())
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	after, err := OpenOutbox(outboxPath, 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if after.Len() != 0 || engine.Outbox().Len() != 0 {
		t.Errorf("synced request still queued: disk %d, memory %d", after.Len(), engine.Outbox().Len())
	}
}

func TestDrainLoop(t *testing.T) {
	e := newEnv(t, Config{Interval: 10 * time.Millisecond})
	e.seed(t, guest("g1", "Ada", day(1)))

	ctx := context.Background()
	e.engine.Start(ctx)
	if err := e.engine.Enqueue("create", nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.remote.Writes() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := e.engine.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.remote.Writes() == 0 {
		t.Fatal("drain loop never pushed the queued request")
	}
	if e.engine.Status().Draining {
		t.Error("loop still reported as draining after Stop")
	}
}
