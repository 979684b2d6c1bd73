package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResource struct {
	n int64
}

type fakeFactory struct {
	counter   atomic.Int64
	destroyed atomic.Int64
	failing   atomic.Bool
	validate  func(*fakeResource) bool
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeResource, error) {
	if f.failing.Load() {
		return nil, context.DeadlineExceeded
	}
	return &fakeResource{n: f.counter.Add(1)}, nil
}

func (f *fakeFactory) Destroy(ctx context.Context, r *fakeResource) {
	f.destroyed.Add(1)
}

func (f *fakeFactory) Validate(ctx context.Context, r *fakeResource) bool {
	if f.validate != nil {
		return f.validate(r)
	}
	return true
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeResource], *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	p, err := New[*fakeResource](cfg, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, factory
}

func TestAcquireRejectsBeforeInitialize(t *testing.T) {
	factory := &fakeFactory{}
	cfg := DefaultConfig()
	p, err := New[*fakeResource](cfg, factory)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Acquire(context.Background())
	if err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

// Exhaustion and timeout: a full pool must fail a further acquire with
// ErrAcquireTimeout, and a release while a waiter queues must hand off.
func TestAcquireExhaustionAndTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 2
	cfg.AcquireTimeout = 100 * time.Millisecond
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	h2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	start := time.Now()
	_, err = p.Acquire(ctx)
	elapsed := time.Since(start)
	if err != ErrAcquireTimeout {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if elapsed < 90*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("expected timeout around 100ms, got %v", elapsed)
	}

	// Releasing one handle while a 4th acquire is waiting hands off
	// within one tick.
	resultCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := p.Release(ctx, h1); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("expected waiting acquire to succeed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never completed")
	}

	_ = p.Release(ctx, h2)
}

// LIFO reuse with freshness: the most recently returned record is
// borrowed next, unless its lifetime has lapsed.
func TestAcquireLIFOReuseAndLifetimeEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 0
	cfg.MaxConnections = 5
	cfg.MaxLifetime = 50 * time.Millisecond
	p, factory := newTestPool(t, cfg)
	ctx := context.Background()

	a, _ := p.Acquire(ctx)
	b, _ := p.Acquire(ctx)

	_ = p.Release(ctx, a)
	_ = p.Release(ctx, b)

	// Next acquire must return B (most recently returned).
	next, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if next.ID() != b.ID() {
		t.Fatalf("expected LIFO reuse of B (%s), got %s", b.ID(), next.ID())
	}
	_ = p.Release(ctx, next)

	time.Sleep(60 * time.Millisecond) // age past MaxLifetime

	fresh, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after lifetime expiry: %v", err)
	}
	if fresh.ID() == b.ID() {
		t.Fatalf("expected a new record, got the aged-out one")
	}
	if factory.destroyed.Load() < 1 {
		t.Fatalf("expected at least one destroy from lifetime eviction")
	}
}

func TestReleaseHandsOffFIFOAmongWaiters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 0
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 2 * time.Second
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	h, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan int, 2)
	go func() {
		if _, err := p.Acquire(ctx); err == nil {
			order <- 1
		}
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		if _, err := p.Acquire(ctx); err == nil {
			order <- 2
		}
	}()
	time.Sleep(20 * time.Millisecond)

	_ = p.Release(ctx, h)
	first := <-order
	if first != 1 {
		t.Fatalf("expected waiter 1 (FIFO) to be served first, got %d", first)
	}
}

func TestCloseRejectsWaitersWithDisposed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 0
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)
	ctx := context.Background()

	_, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := p.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-resultCh:
		if err != ErrDisposed {
			t.Fatalf("expected ErrDisposed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never rejected")
	}
}

func TestIdleTrimRespectsMinConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 5
	cfg.IdleTimeout = 10 * time.Millisecond
	p, factory := newTestPool(t, cfg)
	ctx := context.Background()

	h1, _ := p.Acquire(ctx)
	h2, _ := p.Acquire(ctx)
	_ = p.Release(ctx, h1)
	_ = p.Release(ctx, h2)

	time.Sleep(20 * time.Millisecond)
	p.runIdleTrim()

	m := p.Metrics()
	if m.Idle < cfg.MinConnections {
		t.Fatalf("idle trim went below min_connections: %+v", m)
	}
	if factory.destroyed.Load() == 0 {
		t.Fatalf("expected idle trim to destroy at least one surplus record")
	}
}
