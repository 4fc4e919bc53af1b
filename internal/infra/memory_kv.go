package infra

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KVStore used by tests and local development when
// Redis is unavailable. TTLs are enforced lazily on read.
type MemoryKV struct {
	mu      sync.Mutex
	values  map[string]memoryValue
	sets    map[string]map[string]bool
	lists   map[string][]string
	nowFunc func() time.Time
}

type memoryValue struct {
	data      string
	expiresAt time.Time // zero means no expiry
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		values:  make(map[string]memoryValue),
		sets:    make(map[string]map[string]bool),
		lists:   make(map[string][]string),
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source so tests can expire windows.
func (m *MemoryKV) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowFunc = now
}

func (m *MemoryKV) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && m.nowFunc().After(v.expiresAt)
}

func (m *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = m.withTTL(value, ttl)
	return nil
}

func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && !m.expired(v) {
		return false, nil
	}
	m.values[key] = m.withTTL(value, ttl)
	return true, nil
}

func (m *MemoryKV) withTTL(value string, ttl time.Duration) memoryValue {
	v := memoryValue{data: value}
	if ttl > 0 {
		v.expiresAt = m.nowFunc().Add(ttl)
	}
	return v
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok || m.expired(v) {
		delete(m.values, key)
		return "", ErrKeyNotFound
	}
	return v.data, nil
}

func (m *MemoryKV) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.values, key)
		delete(m.sets, key)
		delete(m.lists, key)
	}
	return nil
}

func (m *MemoryKV) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok && !m.expired(v) {
		return true, nil
	}
	if _, ok := m.sets[key]; ok {
		return true, nil
	}
	if l, ok := m.lists[key]; ok && len(l) > 0 {
		return true, nil
	}
	return false, nil
}

func (m *MemoryKV) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	if set == nil {
		set = make(map[string]bool)
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = true
	}
	return nil
}

func (m *MemoryKV) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

func (m *MemoryKV) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return members, nil
}

func (m *MemoryKV) RPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], values...)
	return nil
}

func (m *MemoryKV) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	return append([]string(nil), list[start:stop+1]...), nil
}

func (m *MemoryKV) Rename(_ context.Context, key, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if list, ok := m.lists[key]; ok {
		m.lists[newKey] = list
		delete(m.lists, key)
		return nil
	}
	if v, ok := m.values[key]; ok && !m.expired(v) {
		m.values[newKey] = v
		delete(m.values, key)
		return nil
	}
	return ErrKeyNotFound
}

var _ KVStore = (*MemoryKV)(nil)
