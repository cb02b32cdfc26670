package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Memory is a thread-safe in-memory LRU volatile store with per-entry TTL.
// It serves single-process deployments that run without Redis.
type Memory struct {
	mu        sync.Mutex
	capacity  int
	bytes     int64
	items     map[string]*list.Element
	evictList *list.List
	now       func() time.Time
}

// NewMemory creates a new in-memory LRU store. capacity <= 0 means 10000.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Memory{
		capacity:  capacity,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		now:       time.Now,
	}
}

// Get returns the cached value for key, or false if missing or expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}

	entry := elem.Value.(*memoryEntry)
	if !m.now().Before(entry.expiresAt) {
		m.removeElement(elem)
		return nil, false, nil
	}

	m.evictList.MoveToFront(elem)
	return entry.value, true, nil
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := m.items[key]; ok {
			m.removeElement(elem)
		}
		return nil
	}

	expiresAt := m.now().Add(ttl)
	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry)
		m.bytes += int64(len(value) - len(entry.value))
		entry.value = value
		entry.expiresAt = expiresAt
		return nil
	}

	if m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}

	entry := &memoryEntry{key: key, value: value, expiresAt: expiresAt}
	m.items[key] = m.evictList.PushFront(entry)
	m.bytes += int64(len(key) + len(value))
	return nil
}

// Delete removes an entry. Missing keys are not an error.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
	return nil
}

// Size returns the number of entries currently held, expired ones included
// until they are touched or evicted.
func (m *Memory) Size(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.evictList.Len()), nil
}

// MemoryUsage returns the approximate payload size, e.g. "12 kB".
func (m *Memory) MemoryUsage(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return humanize.Bytes(uint64(m.bytes)), nil
}

// Clear removes all entries.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.bytes = 0
}

// Close implements VolatileStore.
func (m *Memory) Close() error {
	m.Clear()
	return nil
}

func (m *Memory) removeOldest() {
	elem := m.evictList.Back()
	if elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(m.items, entry.key)
	m.bytes -= int64(len(entry.key) + len(entry.value))
}
