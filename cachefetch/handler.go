// Package cachefetch implements the fetch-policy handler:
// freshness tracking, the tag index, and watch-stream fan-out over a
// backend.Backend[T, ID]. The handler never stores the entity payload
// itself — the actual cached payload lives in the backend; this package
// only tracks freshness and tag metadata per id.
package cachefetch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscore/store/backend"
	"github.com/nexuscore/store/streams"
)

// Policy selects the staleness/refresh behaviour of Get.
type Policy string

const (
	CacheOnly       Policy = "cache_only"
	CacheFirst      Policy = "cache_first"
	NetworkFirst    Policy = "network_first"
	NetworkOnly     Policy = "network_only"
	CacheAndNetwork Policy = "cache_and_network"
)

// Config carries the handler's tunables: the staleness window and the
// policy Get uses when none is given (cache_first when empty).
type Config struct {
	StaleDuration time.Duration
	DefaultPolicy Policy
}

type trackedEntry struct {
	lastRefresh *time.Time
	tags        map[string]struct{}
}

// CacheStats is the freshness-side statistics returned by GetCacheStats.
// Hit/miss counters live in the metrics pipeline, not here. This is
// purely about the freshness index's current shape.
type CacheStats struct {
	TrackedCount int
	StaleCount   int
	TagCount     int
}

// Handler is the fetch-policy handler, parameterised over the entity
// type T and its identifier ID.
type Handler[T any, ID comparable] struct {
	backend backend.Backend[T, ID]
	cfg     Config
	logger  zerolog.Logger

	mu       sync.Mutex
	entries  map[ID]*trackedEntry
	tagToIDs map[string]map[ID]struct{}
	watchers map[ID]*streams.Hot[*T]

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

// New constructs a fetch-policy handler over the given backend.
func New[T any, ID comparable](b backend.Backend[T, ID], cfg Config, logger zerolog.Logger) *Handler[T, ID] {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = CacheFirst
	}
	return &Handler[T, ID]{
		backend:    b,
		cfg:        cfg,
		logger:     logger,
		entries:    make(map[ID]*trackedEntry),
		tagToIDs:   make(map[string]map[ID]struct{}),
		watchers:   make(map[ID]*streams.Hot[*T]),
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// Close tears down any background refresh pumps.
func (h *Handler[T, ID]) Close() {
	h.cancelRoot()
}

func (h *Handler[T, ID]) resolvePolicy(p Policy) Policy {
	if p == "" {
		return h.cfg.DefaultPolicy
	}
	return p
}

// Get reads one id under the given policy. Backend.Get already
// encapsulates "network vs cache" routing for whatever concrete backend
// or composite is plugged in; this handler's policies govern freshness
// bookkeeping, forced-refresh semantics and the cache_and_network
// asynchronous follow-up.
func (h *Handler[T, ID]) Get(ctx context.Context, id ID, policy Policy) (*T, error) {
	switch h.resolvePolicy(policy) {
	case CacheOnly:
		return h.backend.Get(ctx, id)

	case NetworkOnly:
		v, err := h.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		h.touch(id)
		return v, nil

	case NetworkFirst:
		v, err := h.backend.Get(ctx, id)
		if err == nil {
			h.touch(id)
			return v, nil
		}
		// Fall back to whatever the backend returns without marking a
		// refresh.
		v2, err2 := h.backend.Get(ctx, id)
		if err2 != nil {
			return nil, err2
		}
		return v2, nil

	case CacheAndNetwork:
		v, err := h.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		go h.refreshAsync(id)
		return v, nil

	default: // CacheFirst
		if !h.IsStale(id) {
			v, err := h.backend.Get(ctx, id)
			if err == nil && v != nil {
				return v, nil
			}
			if err != nil {
				return nil, err
			}
		}
		v, err := h.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		h.touch(id)
		return v, nil
	}
}

func (h *Handler[T, ID]) refreshAsync(id ID) {
	v, err := h.backend.Get(h.rootCtx, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("component", "cachefetch").Msg("async refresh failed")
		return
	}
	h.touch(id)
	h.mu.Lock()
	w := h.watchers[id]
	h.mu.Unlock()
	if w != nil {
		w.Push(v)
	}
}

// GetAll passes through to the backend; policies beyond cache_only vs.
// forced-refresh are not meaningful at list granularity the way they are
// for a single id, so GetAll always performs one backend call, optionally
// forcing it twice for network_first's fallback-on-failure behaviour.
func (h *Handler[T, ID]) GetAll(ctx context.Context, q *backend.Query, policy Policy) ([]T, error) {
	if h.resolvePolicy(policy) == NetworkFirst {
		items, err := h.backend.GetAll(ctx, q)
		if err == nil {
			return items, nil
		}
		return h.backend.GetAll(ctx, q)
	}
	return h.backend.GetAll(ctx, q)
}

// Watch returns a hot sequence for one id that merges the backend's own
// watch stream with this handler's policy-driven refresh pushes
// (cache_and_network).
func (h *Handler[T, ID]) Watch(ctx context.Context, id ID) (<-chan *T, func()) {
	h.mu.Lock()
	w, ok := h.watchers[id]
	if !ok {
		w = streams.New[*T](func(a, b *T) bool {
			if a == nil || b == nil {
				return a == b
			}
			return false // entity equality is the caller's concern; never dedup non-nil pointers here
		})
		h.watchers[id] = w
		h.mu.Unlock()
		go h.pumpBackendWatch(id, w)
	} else {
		h.mu.Unlock()
	}
	return w.Subscribe(ctx)
}

func (h *Handler[T, ID]) pumpBackendWatch(id ID, w *streams.Hot[*T]) {
	ch, unsub := h.backend.Watch(h.rootCtx, id)
	defer unsub()
	for v := range ch {
		w.Push(v)
	}
}

// WatchAll passes through to the backend directly; this handler does not
// layer extra fan-out on top of list watches.
func (h *Handler[T, ID]) WatchAll(ctx context.Context, q *backend.Query) (<-chan []T, func()) {
	return h.backend.WatchAll(ctx, q)
}

// RecordCachedItem marks id as tracked and freshly refreshed, optionally
// attaching tags.
func (h *Handler[T, ID]) RecordCachedItem(id ID, tags ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.getOrCreateLocked(id)
	now := time.Now()
	e.lastRefresh = &now
	for _, t := range tags {
		h.addTagLocked(id, e, t)
	}
}

func (h *Handler[T, ID]) getOrCreateLocked(id ID) *trackedEntry {
	e, ok := h.entries[id]
	if !ok {
		e = &trackedEntry{tags: make(map[string]struct{})}
		h.entries[id] = e
	}
	return e
}

func (h *Handler[T, ID]) touch(id ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.getOrCreateLocked(id)
	now := time.Now()
	e.lastRefresh = &now
}

// IsStale reports whether id is untracked or past the staleness
// window.
func (h *Handler[T, ID]) IsStale(id ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok || e.lastRefresh == nil {
		return true
	}
	return time.Since(*e.lastRefresh) >= h.cfg.StaleDuration
}

// Invalidate clears the last-refresh timestamp for one id, keeping it
// tracked (tags survive).
func (h *Handler[T, ID]) Invalidate(id ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[id]; ok {
		e.lastRefresh = nil
	}
}

// InvalidateAll clears freshness for every tracked id.
func (h *Handler[T, ID]) InvalidateAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		e.lastRefresh = nil
	}
}

// InvalidateByIDs clears freshness for the given ids (no-op for untracked
// ones — there is nothing to mark).
func (h *Handler[T, ID]) InvalidateByIDs(ids []ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if e, ok := h.entries[id]; ok {
			e.lastRefresh = nil
		}
	}
}

// InvalidateByTags clears freshness for every id carrying any of the
// given tags.
func (h *Handler[T, ID]) InvalidateByTags(tags []string) {
	h.mu.Lock()
	ids := make(map[ID]struct{})
	for _, t := range tags {
		for id := range h.tagToIDs[t] {
			ids[id] = struct{}{}
		}
	}
	h.mu.Unlock()

	idList := make([]ID, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}
	h.InvalidateByIDs(idList)
}

// InvalidateWhere streams items from the backend (paged), keeps the ones
// the caller's accessor flags as matching, and invalidates their ids.
// Backends without real cursor pagination simply return everything as one
// unbounded page (GetAllPaged with HasNextPage=false), which this loop
// already handles correctly.
func (h *Handler[T, ID]) InvalidateWhere(ctx context.Context, q *backend.Query, accessor func(item T) (id ID, matches bool)) error {
	var ids []ID
	cursor := *q
	for {
		page, err := h.backend.GetAllPaged(ctx, &cursor)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if id, ok := accessor(item); ok {
				ids = append(ids, id)
			}
		}
		if !page.PageInfo.HasNextPage || page.PageInfo.EndCursor == nil {
			break
		}
		cursor.After = page.PageInfo.EndCursor
	}
	h.InvalidateByIDs(ids)
	return nil
}

// GetTags returns a snapshot of id's tags.
func (h *Handler[T, ID]) GetTags(id ID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.tags))
	for t := range e.tags {
		out = append(out, t)
	}
	return out
}

// AddTags attaches tags to id, tracking it if necessary.
func (h *Handler[T, ID]) AddTags(id ID, tags []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.getOrCreateLocked(id)
	for _, t := range tags {
		h.addTagLocked(id, e, t)
	}
}

func (h *Handler[T, ID]) addTagLocked(id ID, e *trackedEntry, tag string) {
	e.tags[tag] = struct{}{}
	set, ok := h.tagToIDs[tag]
	if !ok {
		set = make(map[ID]struct{})
		h.tagToIDs[tag] = set
	}
	set[id] = struct{}{}
}

// RemoveTags detaches tags from id. An id whose tag set becomes empty
// stays tracked.
func (h *Handler[T, ID]) RemoveTags(id ID, tags []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if !ok {
		return
	}
	for _, t := range tags {
		delete(e.tags, t)
		if set, ok := h.tagToIDs[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.tagToIDs, t)
			}
		}
	}
}

// RemoveEntry drops id from both the freshness index and the tag index.
func (h *Handler[T, ID]) RemoveEntry(id ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[id]
	if ok {
		for t := range e.tags {
			if set, ok := h.tagToIDs[t]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.tagToIDs, t)
				}
			}
		}
	}
	delete(h.entries, id)
	if w, ok := h.watchers[id]; ok {
		w.Close()
		delete(h.watchers, id)
	}
}

// GetCacheStats returns the freshness index's current shape.
func (h *Handler[T, ID]) GetCacheStats() CacheStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	stats := CacheStats{TrackedCount: len(h.entries), TagCount: len(h.tagToIDs)}
	for _, e := range h.entries {
		if e.lastRefresh == nil || time.Since(*e.lastRefresh) >= h.cfg.StaleDuration {
			stats.StaleCount++
		}
	}
	return stats
}
