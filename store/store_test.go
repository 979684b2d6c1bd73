package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexuscore/store/backend"
	"github.com/nexuscore/store/cachefetch"
	"github.com/nexuscore/store/memcache"
	"github.com/nexuscore/store/store"
	"github.com/nexuscore/store/telemetry"
	"github.com/nexuscore/store/txn"
	"github.com/nexuscore/store/writepolicy"
)

type rec struct {
	ID    string
	Value int
}

type fakeBackend struct {
	mu    sync.Mutex
	items map[string]rec
}

func newFakeBackend() *fakeBackend { return &fakeBackend{items: make(map[string]rec)} }

func (f *fakeBackend) Name() string                        { return "fake" }
func (f *fakeBackend) Capabilities() backend.Capabilities   { return backend.Capabilities{} }
func (f *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (f *fakeBackend) Close(ctx context.Context) error      { return nil }
func (f *fakeBackend) Get(ctx context.Context, id string) (*rec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.items[id]; ok {
		cp := v
		return &cp, nil
	}
	return nil, nil
}
func (f *fakeBackend) GetAll(ctx context.Context, q *backend.Query) ([]rec, error) { return nil, nil }
func (f *fakeBackend) GetAllPaged(ctx context.Context, q *backend.Query) (backend.PagedResult[rec], error) {
	return backend.PagedResult[rec]{}, nil
}
func (f *fakeBackend) Watch(ctx context.Context, id string) (<-chan *rec, func()) {
	ch := make(chan *rec)
	close(ch)
	return ch, func() {}
}
func (f *fakeBackend) WatchAll(ctx context.Context, q *backend.Query) (<-chan []rec, func()) {
	ch := make(chan []rec)
	close(ch)
	return ch, func() {}
}
func (f *fakeBackend) Save(ctx context.Context, item rec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}
func (f *fakeBackend) SaveAll(ctx context.Context, items []rec) error {
	for _, it := range items {
		f.Save(ctx, it)
	}
	return nil
}
func (f *fakeBackend) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}
func (f *fakeBackend) DeleteAll(ctx context.Context, ids []string) error {
	for _, id := range ids {
		f.Delete(ctx, id)
	}
	return nil
}
func (f *fakeBackend) DeleteWhere(ctx context.Context, q *backend.Query) error { return nil }
func (f *fakeBackend) Sync(ctx context.Context) error                         { return nil }
func (f *fakeBackend) SyncStatus() backend.SyncStatus                         { return backend.SyncIdle }
func (f *fakeBackend) SyncStatusStream(ctx context.Context) (<-chan backend.SyncStatus, func()) {
	ch := make(chan backend.SyncStatus)
	close(ch)
	return ch, func() {}
}
func (f *fakeBackend) PendingChangesCount() int { return 0 }
func (f *fakeBackend) PendingChangesStream(ctx context.Context) (<-chan int, func()) {
	ch := make(chan int)
	close(ch)
	return ch, func() {}
}
func (f *fakeBackend) ConflictsStream(ctx context.Context) (<-chan backend.Conflict[rec, string], func()) {
	ch := make(chan backend.Conflict[rec, string])
	close(ch)
	return ch, func() {}
}
func (f *fakeBackend) RetryChange(ctx context.Context, id string) error  { return nil }
func (f *fakeBackend) CancelChange(ctx context.Context, id string) error { return nil }

var _ backend.Backend[rec, string] = (*fakeBackend)(nil)

func newTestStore(t *testing.T) (*store.Store[rec, string], *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	fetch := cachefetch.New[rec, string](b, cachefetch.Config{StaleDuration: time.Minute}, zerolog.Nop())
	write := writepolicy.New[rec, string](b, b, writepolicy.Config{DefaultPolicy: writepolicy.RemoteFirst}, zerolog.Nop())
	txEng := txn.New[rec, string](b, fetch, txn.Config{}, zerolog.Nop())
	mem := memcache.NewManager[string](memcache.Config{MaxBytes: 1000})
	pipeline := telemetry.NewPipeline(telemetry.Config{SampleRate: 1, TrackTiming: true}, telemetry.NoopReporter{})

	s := store.New[rec, string](store.Deps[rec, string]{
		Backend:     b,
		Fetch:       fetch,
		Write:       write,
		Tx:          txEng,
		Mem:         mem,
		Metrics:     pipeline,
		IDExtractor: func(r rec) string { return r.ID },
	}, store.Config{TransactionTimeout: time.Second}, zerolog.Nop())
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, b
}

func TestOperationsFailBeforeInitialize(t *testing.T) {
	b := newFakeBackend()
	fetch := cachefetch.New[rec, string](b, cachefetch.Config{StaleDuration: time.Minute}, zerolog.Nop())
	write := writepolicy.New[rec, string](b, b, writepolicy.Config{}, zerolog.Nop())
	txEng := txn.New[rec, string](b, fetch, txn.Config{}, zerolog.Nop())
	pipeline := telemetry.NewPipeline(telemetry.Config{SampleRate: 1}, telemetry.NoopReporter{})
	s := store.New[rec, string](store.Deps[rec, string]{Backend: b, Fetch: fetch, Write: write, Tx: txEng, Metrics: pipeline}, store.Config{}, zerolog.Nop())

	_, err := s.Get(context.Background(), "a", cachefetch.CacheFirst)
	if err != store.ErrNotInitialised {
		t.Fatalf("expected ErrNotInitialised, got %v", err)
	}
}

func TestSaveRegistersWithFetchHandler(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Save(context.Background(), "a", rec{ID: "a", Value: 1}, writepolicy.RemoteFirst); err != nil {
		t.Fatal(err)
	}
	if s.IsStale("a") {
		t.Fatalf("expected save to register the id as fresh with the fetch handler")
	}
}

func TestDeleteDropsFetchEntryEntirely(t *testing.T) {
	s, _ := newTestStore(t)
	s.Save(context.Background(), "a", rec{ID: "a", Value: 1}, writepolicy.RemoteFirst)
	s.AddTags("a", []string{"x"})

	if err := s.Delete(context.Background(), "a", writepolicy.RemoteFirst); err != nil {
		t.Fatal(err)
	}
	if got := s.GetTags("a"); len(got) != 0 {
		t.Fatalf("expected delete to drop tags too, got %v", got)
	}
}

func TestGetRecordsCacheHitAndMiss(t *testing.T) {
	s, b := newTestStore(t)
	b.items["a"] = rec{ID: "a", Value: 1}

	if _, err := s.Get(context.Background(), "a", cachefetch.CacheFirst); err != nil {
		t.Fatal(err)
	}
	stats := s.GetStats()
	if stats.CacheMiss != 1 {
		t.Fatalf("expected the first get on an untracked id to count as a miss, got %+v", stats)
	}

	if _, err := s.Get(context.Background(), "a", cachefetch.CacheFirst); err != nil {
		t.Fatal(err)
	}
	stats = s.GetStats()
	if stats.CacheHits != 1 {
		t.Fatalf("expected the second get to count as a hit, got %+v", stats)
	}
}

func TestTransactionCommitsThroughFacade(t *testing.T) {
	s, b := newTestStore(t)
	_, err := store.Transaction(context.Background(), s, 0, func(tx *txn.Tx[rec, string]) (struct{}, error) {
		tx.Save(rec{ID: "a", Value: 1}, "a")
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.get("a"); !ok {
		t.Fatalf("expected the transaction's save to land in the backend")
	}
}

func (f *fakeBackend) get(id string) (rec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.items[id]
	return v, ok
}

func TestResetStatsClearsCounters(t *testing.T) {
	s, b := newTestStore(t)
	b.items["a"] = rec{ID: "a", Value: 1}
	s.Get(context.Background(), "a", cachefetch.CacheFirst)
	s.ResetStats()
	stats := s.GetStats()
	if len(stats.OpCount) != 0 {
		t.Fatalf("expected reset_stats to clear the aggregated counters, got %+v", stats)
	}
}

func TestDisposeClosesBackendAndFailsSubsequentOps(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Dispose(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := s.Get(context.Background(), "a", cachefetch.CacheFirst)
	if err != store.ErrAlreadyDisposed {
		t.Fatalf("expected ErrAlreadyDisposed after dispose, got %v", err)
	}
}

func TestEvictCacheDropsMatchingFetchEntries(t *testing.T) {
	s, _ := newTestStore(t)
	s.Save(context.Background(), "a", rec{ID: "a", Value: 1}, writepolicy.RemoteFirst)

	victims := s.EvictCache(10)
	found := false
	for _, v := range victims {
		if v == "a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a to be among the evicted ids, got %v", victims)
	}
	if !s.IsStale("a") {
		t.Fatalf("expected eviction to drop a's fetch-handler entry, marking it stale again")
	}
}
