package checkpoint

import (
	"bytes"
	"context"
	"sync"
	"time"
)

type mockRedisEntry struct {
	value     []byte
	expiresAt time.Time
}

// mockRedis emulates the RedisClient subset, expiring keys on the shared clock.
type mockRedis struct {
	mu    sync.Mutex
	clock *fakeClock
	data  map[string]mockRedisEntry
	sets  map[string]map[string]struct{}

	// beforeSwap runs once, outside the lock, ahead of the next CompareAndSet.
	beforeSwap func()
}

var _ RedisClient = (*mockRedis)(nil)

func newMockRedis(clock *fakeClock) *mockRedis {
	return &mockRedis{
		clock: clock,
		data:  make(map[string]mockRedisEntry),
		sets:  make(map[string]map[string]struct{}),
	}
}

func (m *mockRedis) live(key string) (mockRedisEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return entry, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(m.clock.Now()) {
		delete(m.data, key)
		return entry, false
	}
	return entry, true
}

func (m *mockRedis) expiry(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(d)
}

func (m *mockRedis) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), entry.value...), nil
}

func (m *mockRedis) Set(_ context.Context, key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = mockRedisEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(expiration)}
	return nil
}

func (m *mockRedis) SetNX(_ context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.data[key] = mockRedisEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(expiration)}
	return true, nil
}

func (m *mockRedis) CompareAndSet(_ context.Context, key string, expected, value []byte, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	hook := m.beforeSwap
	m.beforeSwap = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var current []byte
	if entry, ok := m.live(key); ok {
		current = entry.value
	}
	if !bytes.Equal(current, expected) {
		return false, nil
	}
	m.data[key] = mockRedisEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(expiration)}
	return true, nil
}

func (m *mockRedis) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.live(key); ok {
		entry.expiresAt = m.expiry(expiration)
		m.data[key] = entry
	}
	return nil
}

func (m *mockRedis) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *mockRedis) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *mockRedis) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		delete(m.sets[key], member)
	}
	return nil
}

func (m *mockRedis) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}
