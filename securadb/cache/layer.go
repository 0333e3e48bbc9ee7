// Package cache is a namespaced key/value cache in front of the store.
// It runs on Redis when one is configured and reachable, and on an
// in-process map otherwise. Cache failures never reach callers: every
// operation degrades to a miss or a no-op and bumps the error counter.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// EnvelopeVersion is stamped into every stored envelope.
const EnvelopeVersion = "1"

// Defaults used by Connect.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPingTimeout   = 2 * time.Second
)

// Config selects and tunes the backend.
type Config struct {
	RedisURL      string        `mapstructure:"redis_url"`
	Env           string        `mapstructure:"env"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PingTimeout   time.Duration `mapstructure:"ping_timeout"`
}

// envelope makes raw backend values self-describing.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"_cachedAt"`
	Version  string          `json:"_version"`
}

// Stats are cumulative counters.
type Stats struct {
	Backend string  `json:"backend"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

// Health is the result of HealthCheck.
type Health struct {
	Backend string        `json:"backend"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
	Stats   Stats         `json:"stats"`
}

// Layer is the cache facade used by the rest of the engine.
type Layer struct {
	backend    Backend
	defaultTTL time.Duration
	logger     *slog.Logger
	timeFunc   func() time.Time

	hits, misses, sets, deletes, errs atomic.Int64
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithTimeFunc sets the clock used for envelope timestamps.
func WithTimeFunc(fn func() time.Time) Option {
	return func(l *Layer) {
		l.timeFunc = fn
	}
}

// WithDefaultTTL sets the TTL used when Set is called with ttl == 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *Layer) {
		l.defaultTTL = ttl
	}
}

// New wraps an already constructed backend.
func New(backend Backend, opts ...Option) *Layer {
	l := &Layer{
		backend:    backend,
		defaultTTL: DefaultTTL,
		timeFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Connect picks the backend once: Redis when cfg.RedisURL is set and the
// server answers a ping, the memory backend otherwise.
func Connect(ctx context.Context, cfg Config, opts ...Option) *Layer {
	if cfg.DefaultTTL > 0 {
		opts = append([]Option{WithDefaultTTL(cfg.DefaultTTL)}, opts...)
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	var (
		backend Backend
		reason  string
	)
	if cfg.RedisURL != "" {
		r, err := NewRedis(ctx, cfg.RedisURL, cfg.Env, cfg.PingTimeout)
		if err == nil {
			backend = r
		} else {
			reason = err.Error()
		}
	} else {
		reason = "no redis url configured"
	}
	if backend == nil {
		backend = NewMemory(cfg.SweepInterval)
	}

	l := New(backend, opts...)
	if reason != "" {
		l.logger.Info("cache using memory backend", "reason", reason)
	} else {
		l.logger.Info("cache using redis backend", "prefix", KeyPrefix(cfg.Env))
	}
	return l
}

func composeKey(ns, key string) string {
	return ns + ":" + key
}

// escapeGlob quotes glob metacharacters so s matches literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Layer) fail(op string, err error, attrs ...any) {
	l.errs.Add(1)
	l.logger.Warn("cache "+op+" failed", append(attrs, "backend", l.backend.Name(), "error", err)...)
}

// Get decodes the cached value into dst and reports a hit.
func (l *Layer) Get(ctx context.Context, ns, key string, dst interface{}) bool {
	data, ok, err := l.backend.Get(ctx, composeKey(ns, key))
	if err != nil {
		l.fail("get", err, "namespace", ns, "key", key)
		l.misses.Add(1)
		return false
	}
	if !ok {
		l.misses.Add(1)
		return false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.fail("decode", err, "namespace", ns, "key", key)
		l.misses.Add(1)
		return false
	}
	if dst != nil {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			l.fail("decode", err, "namespace", ns, "key", key)
			l.misses.Add(1)
			return false
		}
	}
	l.hits.Add(1)
	return true
}

// Set stores value for ttl (0 selects the default TTL).
func (l *Layer) Set(ctx context.Context, ns, key string, value interface{}, ttl time.Duration) bool {
	if ttl == 0 {
		ttl = l.defaultTTL
	}
	data, err := l.wrap(value)
	if err != nil {
		l.fail("encode", err, "namespace", ns, "key", key)
		return false
	}
	if err := l.backend.Set(ctx, composeKey(ns, key), data, ttl); err != nil {
		l.fail("set", err, "namespace", ns, "key", key)
		return false
	}
	l.sets.Add(1)
	return true
}

func (l *Layer) wrap(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Data: data, CachedAt: l.timeFunc().UTC(), Version: EnvelopeVersion})
}

// Delete removes one key and reports whether it existed.
func (l *Layer) Delete(ctx context.Context, ns, key string) bool {
	n, err := l.backend.Delete(ctx, composeKey(ns, key))
	if err != nil {
		l.fail("delete", err, "namespace", ns, "key", key)
		return false
	}
	l.deletes.Add(int64(n))
	return n > 0
}

// DeleteByPattern removes the keys of ns matching a glob pattern and
// returns how many were removed.
func (l *Layer) DeleteByPattern(ctx context.Context, ns, pattern string) int {
	keys, err := l.backend.Keys(ctx, escapeGlob(ns)+":"+pattern)
	if err != nil {
		l.fail("scan", err, "namespace", ns, "pattern", pattern)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := l.backend.Delete(ctx, keys...)
	if err != nil {
		l.fail("delete", err, "namespace", ns, "pattern", pattern)
		return 0
	}
	l.deletes.Add(int64(n))
	return n
}

// MGet returns the raw cached values found for keys.
func (l *Layer) MGet(ctx context.Context, ns string, keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var raw json.RawMessage
		if l.Get(ctx, ns, key, &raw) {
			out[key] = raw
		}
	}
	return out
}

// MSet stores every entry and returns how many were written.
func (l *Layer) MSet(ctx context.Context, ns string, entries map[string]interface{}, ttl time.Duration) int {
	written := 0
	for key, value := range entries {
		if l.Set(ctx, ns, key, value, ttl) {
			written++
		}
	}
	return written
}

// ClearNamespace removes every key of ns.
func (l *Layer) ClearNamespace(ctx context.Context, ns string) int {
	return l.DeleteByPattern(ctx, ns, "*")
}

// ClearAll removes every key this layer can see.
func (l *Layer) ClearAll(ctx context.Context) int {
	keys, err := l.backend.Keys(ctx, "*")
	if err != nil {
		l.fail("scan", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	n, err := l.backend.Delete(ctx, keys...)
	if err != nil {
		l.fail("delete", err)
		return 0
	}
	l.deletes.Add(int64(n))
	return n
}

// HealthCheck pings the backend and round-trips a probe key.
func (l *Layer) HealthCheck(ctx context.Context) Health {
	start := l.timeFunc()
	h := Health{Backend: l.backend.Name()}

	err := l.backend.Ping(ctx)
	if err == nil {
		probe, _ := l.wrap("ok")
		err = l.backend.Set(ctx, composeKey("health", "probe"), probe, 10*time.Second)
	}
	if err == nil {
		_, _, err = l.backend.Get(ctx, composeKey("health", "probe"))
	}
	h.Latency = l.timeFunc().Sub(start)
	if err != nil {
		l.errs.Add(1)
		h.Error = err.Error()
	} else {
		h.Healthy = true
	}
	h.Stats = l.Stats()
	return h
}

// Stats returns a snapshot of the counters.
func (l *Layer) Stats() Stats {
	s := Stats{
		Backend: l.backend.Name(),
		Hits:    l.hits.Load(),
		Misses:  l.misses.Load(),
		Sets:    l.sets.Load(),
		Deletes: l.deletes.Load(),
		Errors:  l.errs.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Backend names the active backend.
func (l *Layer) Backend() string { return l.backend.Name() }

// Close releases the backend.
func (l *Layer) Close() error {
	return l.backend.Close()
}
