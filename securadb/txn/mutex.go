package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dev-Stive/securadb/types"
)

// LockInfo describes a held key. It only lives in memory.
type LockInfo struct {
	Key        string        `json:"key"`
	Holder     string        `json:"holder,omitempty"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	Timeout    time.Duration `json:"timeout"`
	Waiters    int           `json:"waiters"`
}

type waiter struct {
	ready   chan struct{}
	holder  string
	timeout time.Duration
}

type keyLock struct {
	holder     string
	acquiredAt time.Time
	timeout    time.Duration
	queue      []*waiter
}

// KeyedMutex is a set of mutexes addressed by string. Waiters for a key are
// served in arrival order; Release hands the key straight to the next one.
type KeyedMutex struct {
	mu       sync.Mutex
	locks    map[string]*keyLock
	timeFunc func() time.Time
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks:    map[string]*keyLock{},
		timeFunc: time.Now,
	}
}

// Acquire blocks until key is free, timeout elapses (LockTimeoutError) or
// ctx is done. A non-positive timeout waits for ctx only.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) error {
	return m.acquire(ctx, key, "", timeout)
}

func (m *KeyedMutex) acquire(ctx context.Context, key, holder string, timeout time.Duration) error {
	m.mu.Lock()
	l, held := m.locks[key]
	if !held {
		m.locks[key] = &keyLock{holder: holder, acquiredAt: m.timeFunc(), timeout: timeout}
		m.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{}), holder: holder, timeout: timeout}
	l.queue = append(l.queue, w)
	m.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var err error
	select {
	case <-w.ready:
		return nil
	case <-expired:
		err = &types.LockTimeoutError{Key: key, Timeout: timeout}
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-w.ready:
		// Handed over while we were giving up; keep it.
		return nil
	default:
	}
	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	return err
}

// Release frees key, waking the oldest waiter if there is one. Releasing a
// key that is not held is a no-op.
func (m *KeyedMutex) Release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	if len(l.queue) == 0 {
		delete(m.locks, key)
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.holder = next.holder
	l.acquiredAt = m.timeFunc()
	l.timeout = next.timeout
	close(next.ready)
}

// Locks returns the currently held keys sorted by key.
func (m *KeyedMutex) Locks() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LockInfo, 0, len(m.locks))
	for key, l := range m.locks {
		out = append(out, LockInfo{
			Key:        key,
			Holder:     l.holder,
			AcquiredAt: l.acquiredAt,
			Timeout:    l.timeout,
			Waiters:    len(l.queue),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
