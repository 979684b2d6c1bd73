// Package memcache implements the memory manager: a
// capped population of tracked items with pinning, LRU eviction and
// qualitative pressure levels derived from estimated byte usage.
package memcache

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nexuscore/store/streams"
)

// PressureLevel is the qualitative bucket over the cache-size
// fraction.
type PressureLevel string

const (
	PressureNone     PressureLevel = "none"
	PressureLight    PressureLevel = "light"
	PressureModerate PressureLevel = "moderate"
	PressureSevere   PressureLevel = "severe"
)

func pressureFor(fraction float64) PressureLevel {
	switch {
	case fraction < 0.6:
		return PressureNone
	case fraction < 0.8:
		return PressureLight
	case fraction < 0.95:
		return PressureModerate
	default:
		return PressureSevere
	}
}

// Metrics is the snapshot emitted on metrics_stream.
type Metrics struct {
	ItemCount      int
	PinnedCount    int
	CurrentBytes   int64
	MaxBytes       int64
	Pressure       PressureLevel
	CapturedAt     time.Time
}

type entry struct {
	bytes      int64
	lastAccess time.Time
}

// Config bounds the manager's behaviour.
type Config struct {
	MaxBytes          int64
	EvictionBatchSize int
	// MaxTrackedItems bounds the backing LRU's capacity independent of
	// byte accounting; defaults to a large value when zero.
	MaxTrackedItems int
}

func (c Config) batchSize() int {
	if c.EvictionBatchSize <= 0 {
		return 50
	}
	return c.EvictionBatchSize
}

func (c Config) trackedCap() int {
	if c.MaxTrackedItems <= 0 {
		return 1 << 20
	}
	return c.MaxTrackedItems
}

// Manager is the memory manager, parameterised only on the id type: it has no
// opinion on the entity payload, only on {id -> (estimated_bytes,
// last_access)} plus a pin set.
type Manager[ID comparable] struct {
	cfg Config

	mu           sync.Mutex
	items        *lru.Cache[ID, *entry]
	pinned       map[ID]bool
	currentBytes int64

	// OnEvict is called (outside the lock) for every id removed by
	// Evict/EvictUnpinned, so the fetch-policy handler can drop the
	// matching cache entry. RemoveItem does not call it.
	OnEvict func(id ID)

	metrics      *streams.Hot[Metrics]
	pressure     *streams.Hot[PressureLevel]
	lastPressure PressureLevel
}

// NewManager constructs a memory manager. A zero Config is invalid; at
// minimum MaxBytes must be positive for pressure levels to mean anything.
func NewManager[ID comparable](cfg Config) *Manager[ID] {
	items, _ := lru.New[ID, *entry](cfg.trackedCap())
	return &Manager[ID]{
		cfg:          cfg,
		items:        items,
		pinned:       make(map[ID]bool),
		metrics:      streams.New[Metrics](nil),
		pressure:     streams.NewWithValue(PressureNone, func(a, b PressureLevel) bool { return a == b }),
		lastPressure: PressureNone,
	}
}

// RecordItem tracks an id with its estimated byte size, updating recency.
func (m *Manager[ID]) RecordItem(id ID, estimatedBytes int64) {
	m.mu.Lock()
	if old, ok := m.items.Peek(id); ok {
		m.currentBytes -= old.bytes
	}
	m.items.Add(id, &entry{bytes: estimatedBytes, lastAccess: time.Now()})
	m.currentBytes += estimatedBytes
	m.mu.Unlock()
	m.publish()
}

// RecordAccess bumps an id's recency without changing its size.
func (m *Manager[ID]) RecordAccess(id ID) {
	m.mu.Lock()
	if e, ok := m.items.Get(id); ok {
		e.lastAccess = time.Now()
	}
	m.mu.Unlock()
}

// RemoveItem drops an id from tracking and unpins it.
func (m *Manager[ID]) RemoveItem(id ID) {
	m.mu.Lock()
	if e, ok := m.items.Peek(id); ok {
		m.currentBytes -= e.bytes
		m.items.Remove(id)
	}
	delete(m.pinned, id)
	m.mu.Unlock()
	m.publish()
}

// Pin protects an id from LRU eviction.
func (m *Manager[ID]) Pin(id ID) {
	m.mu.Lock()
	m.pinned[id] = true
	m.mu.Unlock()
}

// Unpin removes the eviction protection.
func (m *Manager[ID]) Unpin(id ID) {
	m.mu.Lock()
	delete(m.pinned, id)
	m.mu.Unlock()
}

// IsPinned reports whether id is currently pinned.
func (m *Manager[ID]) IsPinned(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned[id]
}

// PinnedIDs returns a snapshot of all pinned ids.
func (m *Manager[ID]) PinnedIDs() []ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ID, 0, len(m.pinned))
	for id := range m.pinned {
		out = append(out, id)
	}
	return out
}

// Evict removes up to count unpinned ids in ascending last-access order
// (oldest first). count <= 0 uses the configured eviction batch size.
func (m *Manager[ID]) Evict(count int) []ID {
	if count <= 0 {
		count = m.cfg.batchSize()
	}
	victims := m.selectVictims(count)
	m.removeVictims(victims)
	return victims
}

// EvictUnpinned removes every unpinned tracked id in one sweep.
func (m *Manager[ID]) EvictUnpinned() []ID {
	victims := m.selectVictims(-1)
	m.removeVictims(victims)
	return victims
}

// selectVictims returns up to `count` unpinned ids in ascending
// last_access order. count < 0 means "all unpinned ids".
func (m *Manager[ID]) selectVictims(count int) []ID {
	m.mu.Lock()
	type cand struct {
		id         ID
		lastAccess time.Time
	}
	cands := make([]cand, 0, m.items.Len())
	for _, id := range m.items.Keys() {
		if m.pinned[id] {
			continue
		}
		e, ok := m.items.Peek(id)
		if !ok {
			continue
		}
		cands = append(cands, cand{id: id, lastAccess: e.lastAccess})
	}
	m.mu.Unlock()

	sort.Slice(cands, func(i, j int) bool { return cands[i].lastAccess.Before(cands[j].lastAccess) })

	if count >= 0 && count < len(cands) {
		cands = cands[:count]
	}
	out := make([]ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func (m *Manager[ID]) removeVictims(ids []ID) {
	for _, id := range ids {
		m.mu.Lock()
		if e, ok := m.items.Peek(id); ok {
			m.currentBytes -= e.bytes
			m.items.Remove(id)
		}
		m.mu.Unlock()
		if m.OnEvict != nil {
			m.OnEvict(id)
		}
	}
	if len(ids) > 0 {
		m.publish()
	}
}

func (m *Manager[ID]) publish() {
	m.mu.Lock()
	snap := Metrics{
		ItemCount:    m.items.Len(),
		PinnedCount:  len(m.pinned),
		CurrentBytes: m.currentBytes,
		MaxBytes:     m.cfg.MaxBytes,
		CapturedAt:   time.Now(),
	}
	fraction := 0.0
	if m.cfg.MaxBytes > 0 {
		fraction = float64(m.currentBytes) / float64(m.cfg.MaxBytes)
	}
	level := pressureFor(fraction)
	snap.Pressure = level
	changed := level != m.lastPressure
	m.lastPressure = level
	m.mu.Unlock()

	m.metrics.Push(snap)
	if changed {
		m.pressure.Push(level)
	}
}

// Snapshot returns the manager's current metrics without subscribing.
func (m *Manager[ID]) Snapshot() Metrics {
	m.mu.Lock()
	snap := Metrics{
		ItemCount:    m.items.Len(),
		PinnedCount:  len(m.pinned),
		CurrentBytes: m.currentBytes,
		MaxBytes:     m.cfg.MaxBytes,
		Pressure:     m.lastPressure,
		CapturedAt:   time.Now(),
	}
	m.mu.Unlock()
	return snap
}

// MetricsStream is a hot sequence of Metrics snapshots.
func (m *Manager[ID]) MetricsStream(ctx context.Context) (<-chan Metrics, func()) {
	return m.metrics.Subscribe(ctx)
}

// PressureStream emits only on pressure-level boundary crossings.
func (m *Manager[ID]) PressureStream(ctx context.Context) (<-chan PressureLevel, func()) {
	return m.pressure.Subscribe(ctx)
}
