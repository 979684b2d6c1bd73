// Package writepolicy implements the write-policy handler:
// write routing across a cache backend and a remote backend, with
// best-effort background retry and pending-change/sync-status reporting
// for the optimistic policy.
package writepolicy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscore/store/backend"
	"github.com/nexuscore/store/streams"
)

// Policy selects Save/Delete's write routing.
type Policy string

const (
	Optimistic  Policy = "optimistic"
	CacheOnly   Policy = "cache_only"
	RemoteFirst Policy = "remote_first"
	RemoteOnly  Policy = "remote_only"
)

// PendingChange is one write still awaiting remote confirmation under the
// optimistic policy.
type PendingChange[ID comparable] struct {
	ID         ID
	Attempts   int
	LastError  error
	EnqueuedAt time.Time
}

// Config carries the handler's tunables.
type Config struct {
	DefaultPolicy Policy
	RetryInterval time.Duration
	MaxAttempts   int // 0 means unlimited
}

func (c Config) retryInterval() time.Duration {
	if c.RetryInterval <= 0 {
		return 5 * time.Second
	}
	return c.RetryInterval
}

// Handler is the write-policy handler, parameterised over the entity
// type T and its identifier ID. cache may be nil (no local write path);
// remote is required.
type Handler[T any, ID comparable] struct {
	cache  backend.Backend[T, ID]
	remote backend.Backend[T, ID]
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	pending    map[ID]*PendingChange[ID]
	pendingCnt *streams.Hot[int]
	syncStatus *streams.Hot[backend.SyncStatus]

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New constructs a write-policy handler. cache is optional; with a nil
// cache the optimistic and remote_first policies write to remote only,
// and cache_only returns backend.ErrNoCacheBackend.
func New[T any, ID comparable](remote, cache backend.Backend[T, ID], cfg Config, logger zerolog.Logger) *Handler[T, ID] {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = Optimistic
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler[T, ID]{
		cache:      cache,
		remote:     remote,
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[ID]*PendingChange[ID]),
		pendingCnt: streams.NewWithValue(0, func(a, b int) bool { return a == b }),
		syncStatus: streams.NewWithValue(backend.SyncIdle, func(a, b backend.SyncStatus) bool { return a == b }),
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// Close stops background retry goroutines.
func (h *Handler[T, ID]) Close() {
	h.cancelRoot()
}

func (h *Handler[T, ID]) resolvePolicy(p Policy) Policy {
	if p == "" {
		return h.cfg.DefaultPolicy
	}
	return p
}

// Save writes item (identified by id) under the given policy.
func (h *Handler[T, ID]) Save(ctx context.Context, id ID, item T, policy Policy) error {
	switch h.resolvePolicy(policy) {
	case CacheOnly:
		if h.cache == nil {
			return backend.ErrNoCacheBackend
		}
		return h.cache.Save(ctx, item)

	case RemoteOnly:
		return h.remote.Save(ctx, item)

	case RemoteFirst:
		if err := h.remote.Save(ctx, item); err != nil {
			return err
		}
		if h.cache != nil {
			if err := h.cache.Save(ctx, item); err != nil {
				h.logger.Warn().Err(err).Str("component", "writepolicy").Msg("local update after remote_first save failed")
			}
		}
		return nil

	default: // Optimistic
		if h.cache != nil {
			if err := h.cache.Save(ctx, item); err != nil {
				return err
			}
		}
		h.enqueue(id)
		go h.retrySave(id, item)
		return nil
	}
}

// SaveAll applies Save item-by-item; ids and items must be parallel
// slices of equal length.
func (h *Handler[T, ID]) SaveAll(ctx context.Context, ids []ID, items []T, policy Policy) error {
	for i, item := range items {
		if err := h.Save(ctx, ids[i], item, policy); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes id under the given policy. deleter re-fetches nothing;
// callers needing original-value bookkeeping for undo belong to the
// transaction engine, not this handler.
func (h *Handler[T, ID]) Delete(ctx context.Context, id ID, policy Policy) error {
	switch h.resolvePolicy(policy) {
	case CacheOnly:
		if h.cache == nil {
			return backend.ErrNoCacheBackend
		}
		return h.cache.Delete(ctx, id)

	case RemoteOnly:
		return h.remote.Delete(ctx, id)

	case RemoteFirst:
		if err := h.remote.Delete(ctx, id); err != nil {
			return err
		}
		if h.cache != nil {
			if err := h.cache.Delete(ctx, id); err != nil {
				h.logger.Warn().Err(err).Str("component", "writepolicy").Msg("local delete after remote_first failed")
			}
		}
		return nil

	default: // Optimistic
		if h.cache != nil {
			if err := h.cache.Delete(ctx, id); err != nil {
				return err
			}
		}
		h.enqueue(id)
		go h.retryDelete(id)
		return nil
	}
}

func (h *Handler[T, ID]) enqueue(id ID) {
	h.mu.Lock()
	if _, ok := h.pending[id]; !ok {
		h.pending[id] = &PendingChange[ID]{ID: id, EnqueuedAt: time.Now()}
	}
	count := len(h.pending)
	h.mu.Unlock()
	h.pendingCnt.Push(count)
}

func (h *Handler[T, ID]) resolve(id ID) {
	h.mu.Lock()
	delete(h.pending, id)
	count := len(h.pending)
	h.mu.Unlock()
	h.pendingCnt.Push(count)
	if count == 0 {
		h.syncStatus.Push(backend.SyncIdle)
	}
}

func (h *Handler[T, ID]) recordFailure(id ID, err error) {
	h.mu.Lock()
	if pc, ok := h.pending[id]; ok {
		pc.Attempts++
		pc.LastError = err
	}
	h.mu.Unlock()
	h.syncStatus.Push(backend.SyncError)
}

// retrySave keeps attempting the remote write (Optimistic policy) until
// it succeeds, the handler is closed, or MaxAttempts is exhausted.
func (h *Handler[T, ID]) retrySave(id ID, item T) {
	h.syncStatus.Push(backend.SyncInProgress)
	for {
		if err := h.remote.Save(h.rootCtx, item); err == nil {
			h.resolve(id)
			return
		} else {
			h.recordFailure(id, err)
		}
		h.mu.Lock()
		pc := h.pending[id]
		h.mu.Unlock()
		if pc == nil {
			return
		}
		if h.cfg.MaxAttempts > 0 && pc.Attempts >= h.cfg.MaxAttempts {
			return
		}
		select {
		case <-h.rootCtx.Done():
			return
		case <-time.After(h.cfg.retryInterval()):
		}
	}
}

func (h *Handler[T, ID]) retryDelete(id ID) {
	h.syncStatus.Push(backend.SyncInProgress)
	for {
		if err := h.remote.Delete(h.rootCtx, id); err == nil {
			h.resolve(id)
			return
		} else {
			h.recordFailure(id, err)
		}
		h.mu.Lock()
		pc := h.pending[id]
		h.mu.Unlock()
		if pc == nil {
			return
		}
		if h.cfg.MaxAttempts > 0 && pc.Attempts >= h.cfg.MaxAttempts {
			return
		}
		select {
		case <-h.rootCtx.Done():
			return
		case <-time.After(h.cfg.retryInterval()):
		}
	}
}

// PendingChangesCount returns the number of writes still awaiting remote
// confirmation.
func (h *Handler[T, ID]) PendingChangesCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// PendingChangesStream streams the pending-change count.
func (h *Handler[T, ID]) PendingChangesStream(ctx context.Context) (<-chan int, func()) {
	return h.pendingCnt.Subscribe(ctx)
}

// SyncStatusStream streams this handler's view of sync health, derived
// purely from its own optimistic-write retry loop (independent of
// whatever the underlying backends report for their own sync).
func (h *Handler[T, ID]) SyncStatusStream(ctx context.Context) (<-chan backend.SyncStatus, func()) {
	return h.syncStatus.Subscribe(ctx)
}

// RetryChange forces an immediate retry attempt for a pending id,
// bypassing the backoff interval. Returns ErrNoSuchPendingChange if id
// has nothing outstanding.
func (h *Handler[T, ID]) RetryChange(ctx context.Context, id ID, item T) error {
	h.mu.Lock()
	_, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return backend.ErrNoSuchPendingChange
	}
	if err := h.remote.Save(ctx, item); err != nil {
		h.recordFailure(id, err)
		return err
	}
	h.resolve(id)
	return nil
}

// CancelChange drops a pending id without attempting the remote write
// again.
func (h *Handler[T, ID]) CancelChange(id ID) error {
	h.mu.Lock()
	_, ok := h.pending[id]
	h.mu.Unlock()
	if !ok {
		return backend.ErrNoSuchPendingChange
	}
	h.resolve(id)
	return nil
}
