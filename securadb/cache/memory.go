package cache

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Entry is one value held by the memory backend.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
	Namespace string
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Memory is the in-process backend. Expired entries are dropped when read
// and by a periodic sweep.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	timeFunc func() time.Time
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithClock injects the time source used for expiry.
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.timeFunc = fn
	}
}

// NewMemory creates a memory backend. A positive sweepInterval starts the
// background sweep, stopped by Close.
func NewMemory(sweepInterval time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  map[string]*Entry{},
		timeFunc: time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *Memory) sweepLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeFunc()
	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Name implements Backend.
func (m *Memory) Name() string { return BackendMemory }

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(m.timeFunc()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set implements Backend. A non-positive ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeFunc()
	e := &Entry{
		Value:     append([]byte(nil), value...),
		CreatedAt: now,
		Namespace: namespaceOf(key),
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	m.entries[key] = e
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Keys implements Backend.
func (m *Memory) Keys(_ context.Context, pattern string) ([]string, error) {
	re := globRegexp(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.timeFunc()
	var keys []string
	for key, e := range m.entries {
		if e.expired(now) {
			continue
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Ping implements Backend.
func (m *Memory) Ping(context.Context) error { return nil }

// Close stops the sweep goroutine.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

// globRegexp compiles a Redis-style glob where '*' matches any run and
// '?' a single character, including ':' and '/'. A backslash escapes the
// next character.
func globRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	escaped := false
	for _, r := range pattern {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*':
			b.WriteString(".*")
		case r == '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile("(?s)" + b.String())
}

func namespaceOf(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i]
	}
	return ""
}
