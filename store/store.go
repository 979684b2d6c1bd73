// Package store implements the store façade: the single generic entity
// API tying together the fetch-policy handler, the write-policy handler,
// the transaction engine, the memory manager and the metrics pipeline in
// front of one assembled backend.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscore/store/backend"
	"github.com/nexuscore/store/cachefetch"
	"github.com/nexuscore/store/memcache"
	"github.com/nexuscore/store/telemetry"
	"github.com/nexuscore/store/txn"
	"github.com/nexuscore/store/writepolicy"
)

// Lifecycle is the façade's Created → Initialised → Disposed state
// machine.
type Lifecycle int

const (
	Created Lifecycle = iota
	Initialised
	Disposed
)

var (
	ErrNotInitialised     = errors.New("store: not initialised")
	ErrAlreadyDisposed    = errors.New("store: disposed")
	ErrReinitAfterDispose = errors.New("store: cannot initialize a disposed store")
)

// Config bundles the façade's own tunables; its subsystems (cachefetch,
// writepolicy, txn, memcache, telemetry) carry their own Config types.
type Config struct {
	TransactionTimeout time.Duration
}

// Store is the façade, parameterised over the entity type T and its
// identifier ID.
type Store[T any, ID comparable] struct {
	backend backend.Backend[T, ID]
	fetch   *cachefetch.Handler[T, ID]
	write   *writepolicy.Handler[T, ID]
	txEng   *txn.Engine[T, ID]
	mem     *memcache.Manager[ID]
	metrics *telemetry.Pipeline
	cfg     Config
	logger  zerolog.Logger

	idExtractor func(T) ID
	defaultTags func(T) []string

	mu    sync.Mutex
	state Lifecycle
}

// Deps bundles the constructed subsystems New wires together. Mem is
// optional; a nil Mem makes memory-manager operations return defaults.
type Deps[T any, ID comparable] struct {
	Backend     backend.Backend[T, ID]
	Fetch       *cachefetch.Handler[T, ID]
	Write       *writepolicy.Handler[T, ID]
	Tx          *txn.Engine[T, ID]
	Mem         *memcache.Manager[ID]
	Metrics     *telemetry.Pipeline
	IDExtractor func(T) ID
	DefaultTags func(T) []string
}

// New constructs a façade in the Created state. Call Initialize before
// any other operation.
func New[T any, ID comparable](deps Deps[T, ID], cfg Config, logger zerolog.Logger) *Store[T, ID] {
	return &Store[T, ID]{
		backend:     deps.Backend,
		fetch:       deps.Fetch,
		write:       deps.Write,
		txEng:       deps.Tx,
		mem:         deps.Mem,
		metrics:     deps.Metrics,
		cfg:         cfg,
		logger:      logger,
		idExtractor: deps.IDExtractor,
		defaultTags: deps.DefaultTags,
		state:       Created,
	}
}

// Initialize transitions Created → Initialised. It fails if the store
// was already disposed.
func (s *Store[T, ID]) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Disposed {
		return ErrReinitAfterDispose
	}
	if s.state == Initialised {
		return nil
	}
	if err := s.backend.Initialize(ctx); err != nil {
		return err
	}
	s.state = Initialised
	return nil
}

// Dispose cancels the metrics flush timer, flushes once, and closes the
// backend.
func (s *Store[T, ID]) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Disposed {
		s.mu.Unlock()
		return nil
	}
	s.state = Disposed
	s.mu.Unlock()

	s.metrics.Dispose()
	if s.write != nil {
		s.write.Close()
	}
	if s.fetch != nil {
		s.fetch.Close()
	}
	return s.backend.Close(ctx)
}

func (s *Store[T, ID]) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Created:
		return ErrNotInitialised
	case Disposed:
		return ErrAlreadyDisposed
	default:
		return nil
	}
}

func (s *Store[T, ID]) track(name string, work func() error) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	return s.metrics.TrackOperation(name, work)
}

// Get reads one id under the given fetch policy, recording a cache
// hit/miss against the metrics pipeline based on freshness before the
// call.
func (s *Store[T, ID]) Get(ctx context.Context, id ID, policy cachefetch.Policy) (*T, error) {
	var result *T
	err := s.track("get", func() error {
		wasFresh := !s.fetch.IsStale(id)
		v, err := s.fetch.Get(ctx, id, policy)
		if err != nil {
			return err
		}
		if wasFresh {
			s.metrics.RecordCacheHit("get")
		} else {
			s.metrics.RecordCacheMiss("get")
		}
		result = v
		return nil
	})
	return result, err
}

func (s *Store[T, ID]) GetAll(ctx context.Context, q *backend.Query, policy cachefetch.Policy) ([]T, error) {
	var result []T
	err := s.track("get_all", func() error {
		v, err := s.fetch.GetAll(ctx, q, policy)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (s *Store[T, ID]) Watch(ctx context.Context, id ID) (<-chan *T, func(), error) {
	if err := s.checkReady(); err != nil {
		return nil, nil, err
	}
	ch, unsub := s.fetch.Watch(ctx, id)
	return ch, unsub, nil
}

func (s *Store[T, ID]) WatchAll(ctx context.Context, q *backend.Query) (<-chan []T, func(), error) {
	if err := s.checkReady(); err != nil {
		return nil, nil, err
	}
	ch, unsub := s.fetch.WatchAll(ctx, q)
	return ch, unsub, nil
}

// Save writes item under the given write policy. On success, if an
// IDExtractor was configured, the id is registered with the fetch
// handler for freshness tracking.
func (s *Store[T, ID]) Save(ctx context.Context, id ID, item T, policy writepolicy.Policy) error {
	return s.track("save", func() error {
		if err := s.write.Save(ctx, id, item, policy); err != nil {
			return err
		}
		s.recordSaved(id, item)
		return nil
	})
}

func (s *Store[T, ID]) SaveAll(ctx context.Context, ids []ID, items []T, policy writepolicy.Policy) error {
	return s.track("save_all", func() error {
		if err := s.write.SaveAll(ctx, ids, items, policy); err != nil {
			return err
		}
		for i, item := range items {
			s.recordSaved(ids[i], item)
		}
		return nil
	})
}

func (s *Store[T, ID]) recordSaved(id ID, item T) {
	if s.idExtractor == nil {
		return
	}
	var tags []string
	if s.defaultTags != nil {
		tags = s.defaultTags(item)
	}
	s.fetch.RecordCachedItem(id, tags...)
	if s.mem != nil {
		s.mem.RecordItem(id, 0)
	}
}

// Delete removes id under the given write policy. On success the id is
// dropped from the fetch handler entirely.
func (s *Store[T, ID]) Delete(ctx context.Context, id ID, policy writepolicy.Policy) error {
	return s.track("delete", func() error {
		if err := s.write.Delete(ctx, id, policy); err != nil {
			return err
		}
		s.fetch.RemoveEntry(id)
		if s.mem != nil {
			s.mem.RemoveItem(id)
		}
		return nil
	})
}

// Transaction forwards to the transaction engine; nested calls are
// detected by ctx already carrying a live transaction (see txn.Run).
func Transaction[T any, ID comparable, R any](ctx context.Context, s *Store[T, ID], timeout time.Duration, fn func(tx *txn.Tx[T, ID]) (R, error)) (R, error) {
	var zero R
	if err := s.checkReady(); err != nil {
		return zero, err
	}
	if timeout <= 0 {
		timeout = s.cfg.TransactionTimeout
	}
	return txn.Run(ctx, s.txEng, timeout, fn)
}

// --- fetch-handler forwarding -----------------------------------------

func (s *Store[T, ID]) Invalidate(id ID)                      { s.fetch.Invalidate(id) }
func (s *Store[T, ID]) InvalidateAll()                        { s.fetch.InvalidateAll() }
func (s *Store[T, ID]) InvalidateByIDs(ids []ID)               { s.fetch.InvalidateByIDs(ids) }
func (s *Store[T, ID]) InvalidateByTags(tags []string)         { s.fetch.InvalidateByTags(tags) }
func (s *Store[T, ID]) InvalidateWhere(ctx context.Context, q *backend.Query, accessor func(T) (ID, bool)) error {
	return s.fetch.InvalidateWhere(ctx, q, accessor)
}
func (s *Store[T, ID]) GetTags(id ID) []string                 { return s.fetch.GetTags(id) }
func (s *Store[T, ID]) AddTags(id ID, tags []string)           { s.fetch.AddTags(id, tags) }
func (s *Store[T, ID]) RemoveTags(id ID, tags []string)        { s.fetch.RemoveTags(id, tags) }
func (s *Store[T, ID]) IsStale(id ID) bool                     { return s.fetch.IsStale(id) }
func (s *Store[T, ID]) GetCacheStats() cachefetch.CacheStats   { return s.fetch.GetCacheStats() }

// --- memory-manager forwarding, defaulting when unconfigured ----------

func (s *Store[T, ID]) Pin(id ID) {
	if s.mem != nil {
		s.mem.Pin(id)
	}
}

func (s *Store[T, ID]) Unpin(id ID) {
	if s.mem != nil {
		s.mem.Unpin(id)
	}
}

func (s *Store[T, ID]) EvictCache(count int) []ID {
	if s.mem == nil {
		return nil
	}
	victims := s.mem.Evict(count)
	for _, id := range victims {
		s.fetch.RemoveEntry(id)
	}
	return victims
}

func (s *Store[T, ID]) PinnedIDs() []ID {
	if s.mem == nil {
		return nil
	}
	return s.mem.PinnedIDs()
}

func (s *Store[T, ID]) MemoryMetrics() (memcache.Metrics, bool) {
	if s.mem == nil {
		return memcache.Metrics{}, false
	}
	return s.mem.Snapshot(), true
}

func (s *Store[T, ID]) MemoryPressureStream(ctx context.Context) (<-chan memcache.PressureLevel, func()) {
	if s.mem == nil {
		ch := make(chan memcache.PressureLevel)
		close(ch)
		return ch, func() {}
	}
	return s.mem.PressureStream(ctx)
}

// --- metrics forwarding ------------------------------------------------

func (s *Store[T, ID]) GetStats() telemetry.StatsSnapshot { return s.metrics.Stats().Snapshot() }
func (s *Store[T, ID]) ResetStats()               { s.metrics.Stats().Reset() }

// --- Backend passthrough (sync, conflicts, pending changes) -----------

func (s *Store[T, ID]) Sync(ctx context.Context) error             { return s.backend.Sync(ctx) }
func (s *Store[T, ID]) SyncStatus() backend.SyncStatus              { return s.backend.SyncStatus() }
func (s *Store[T, ID]) SyncStatusStream(ctx context.Context) (<-chan backend.SyncStatus, func()) {
	return s.backend.SyncStatusStream(ctx)
}
func (s *Store[T, ID]) PendingChangesCount() int {
	return s.backend.PendingChangesCount() + s.write.PendingChangesCount()
}
func (s *Store[T, ID]) ConflictsStream(ctx context.Context) (<-chan backend.Conflict[T, ID], func()) {
	return s.backend.ConflictsStream(ctx)
}
func (s *Store[T, ID]) RetryChange(ctx context.Context, id ID) error {
	return s.backend.RetryChange(ctx, id)
}
func (s *Store[T, ID]) CancelChange(ctx context.Context, id ID) error {
	return s.backend.CancelChange(ctx, id)
}
