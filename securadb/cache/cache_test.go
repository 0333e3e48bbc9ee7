package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type guest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// harness exposes a layer plus a way to move its backend's clock forward.
type harness struct {
	layer   *Layer
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		BackendMemory: func(t *testing.T) harness {
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			mem := NewMemory(0, WithClock(clock.Now))
			l := New(mem, WithTimeFunc(clock.Now))
			t.Cleanup(func() { _ = l.Close() })
			return harness{layer: l, advance: clock.Advance}
		},
		BackendRedis: func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "test", time.Second)
			if err != nil {
				t.Fatalf("NewRedis: %v", err)
			}
			l := New(r)
			t.Cleanup(func() { _ = l.Close() })
			return harness{layer: l, advance: mr.FastForward}
		},
	}
}

func TestTTL(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()

			if !h.layer.Set(ctx, "guests", "g1", guest{ID: "g1", Name: "Ada"}, time.Second) {
				t.Fatal("Set failed")
			}

			var got guest
			if !h.layer.Get(ctx, "guests", "g1", &got) {
				t.Fatal("expected hit right after Set")
			}
			if diff := cmp.Diff(guest{ID: "g1", Name: "Ada"}, got); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
			if s := h.layer.Stats(); s.Hits != 1 || s.Misses != 0 {
				t.Errorf("after hit: %+v", s)
			}

			h.advance(1100 * time.Millisecond)
			if h.layer.Get(ctx, "guests", "g1", &got) {
				t.Fatal("expected miss after TTL")
			}
			s := h.layer.Stats()
			if s.Hits != 1 || s.Misses != 1 || s.Backend != name {
				t.Errorf("after miss: %+v", s)
			}
			if s.HitRate != 0.5 {
				t.Errorf("hit rate = %v, want 0.5", s.HitRate)
			}
		})
	}
}

func TestNamespacesAndPatterns(t *testing.T) {
	for name, setup := range backends(t) {
		t.Run(name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()

			written := h.layer.MSet(ctx, "guests", map[string]interface{}{
				"list:page1": []string{"g1"},
				"list:page2": []string{"g2"},
				"id:g1":      guest{ID: "g1"},
			}, time.Minute)
			if written != 3 {
				t.Fatalf("MSet wrote %d", written)
			}
			h.layer.Set(ctx, "events", "list:page1", []string{"e1"}, time.Minute)

			if n := h.layer.DeleteByPattern(ctx, "guests", "list:*"); n != 2 {
				t.Errorf("DeleteByPattern removed %d, want 2", n)
			}

			got := h.layer.MGet(ctx, "guests", []string{"list:page1", "id:g1"})
			if _, ok := got["list:page1"]; ok {
				t.Error("pattern delete left a matching key")
			}
			var g guest
			if err := json.Unmarshal(got["id:g1"], &g); err != nil || g.ID != "g1" {
				t.Errorf("MGet id:g1 = %s (%v)", got["id:g1"], err)
			}

			if n := h.layer.ClearNamespace(ctx, "guests"); n != 1 {
				t.Errorf("ClearNamespace removed %d, want 1", n)
			}
			if !h.layer.Get(ctx, "events", "list:page1", nil) {
				t.Error("clearing one namespace touched another")
			}

			if !h.layer.Delete(ctx, "events", "list:page1") {
				t.Error("Delete should report an existing key")
			}
			h.layer.Set(ctx, "a", "1", 1, time.Minute)
			h.layer.Set(ctx, "b", "2", 2, time.Minute)
			if n := h.layer.ClearAll(ctx); n != 2 {
				t.Errorf("ClearAll removed %d, want 2", n)
			}
		})
	}
}

func TestRedisKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), "redis://"+mr.Addr(), "staging", time.Second)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	l := New(r, WithTimeFunc(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }))
	defer l.Close()

	l.Set(context.Background(), "guests", "g1", map[string]string{"name": "Ada"}, time.Minute)

	raw, err := mr.Get("secura:staging:guests:g1")
	if err != nil {
		t.Fatalf("raw key missing: %v", err)
	}
	var env map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	want := map[string]interface{}{
		"data":      map[string]interface{}{"name": "Ada"},
		"_cachedAt": "2024-01-01T00:00:00Z",
		"_version":  EnvelopeVersion,
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectFallsBackToMemory(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no url", Config{}},
		{"unreachable server", Config{RedisURL: "redis://127.0.0.1:1/0", PingTimeout: 200 * time.Millisecond}},
		{"bad url", Config{RedisURL: "://nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.SweepInterval = -1
			l := Connect(context.Background(), tt.cfg)
			defer l.Close()
			if l.Backend() != BackendMemory {
				t.Errorf("backend = %s, want memory", l.Backend())
			}
		})
	}

	mr := miniredis.RunT(t)
	l := Connect(context.Background(), Config{RedisURL: "redis://" + mr.Addr(), Env: "test"})
	defer l.Close()
	if l.Backend() != BackendRedis {
		t.Errorf("backend = %s, want redis", l.Backend())
	}
}

type brokenBackend struct{}

var errBroken = errors.New("connection reset")

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBroken
}
func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error { return errBroken }
func (brokenBackend) Delete(context.Context, ...string) (int, error)          { return 0, errBroken }
func (brokenBackend) Keys(context.Context, string) ([]string, error)          { return nil, errBroken }
func (brokenBackend) Ping(context.Context) error                              { return errBroken }
func (brokenBackend) Close() error                                            { return nil }

func TestFailuresDegrade(t *testing.T) {
	l := New(brokenBackend{})
	ctx := context.Background()

	if l.Set(ctx, "ns", "k", 1, 0) {
		t.Error("Set should report failure")
	}
	if l.Get(ctx, "ns", "k", nil) {
		t.Error("Get should miss")
	}
	if l.DeleteByPattern(ctx, "ns", "*") != 0 || l.ClearAll(ctx) != 0 || l.Delete(ctx, "ns", "k") {
		t.Error("deletes should be no-ops")
	}
	h := l.HealthCheck(ctx)
	if h.Healthy || h.Error == "" {
		t.Errorf("unexpected health: %+v", h)
	}
	if s := l.Stats(); s.Errors != 6 || s.Misses != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestMemorySweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := NewMemory(0, WithClock(clock.Now))
	ctx := context.Background()
	_ = mem.Set(ctx, "a:1", []byte("x"), time.Second)
	_ = mem.Set(ctx, "a:2", []byte("y"), 0)

	clock.Advance(2 * time.Second)
	if n := mem.Sweep(); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if mem.Len() != 1 {
		t.Errorf("Len = %d, want 1", mem.Len())
	}
}

func TestHealthCheck(t *testing.T) {
	l := New(NewMemory(0))
	defer l.Close()
	h := l.HealthCheck(context.Background())
	if !h.Healthy || h.Backend != BackendMemory {
		t.Errorf("unexpected health: %+v", h)
	}
}
