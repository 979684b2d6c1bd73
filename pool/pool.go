// Package pool implements a generic bounded resource pool:
// FIFO waiting queue, LIFO idle reuse, lifetime and
// idle maintenance, borrow/return validation and an observable metrics
// aggregator. No other package of this module imports it: the store
// façade and the composite backend do not use it, so a backend that
// wants pooled connections builds on it directly.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type state int32

const (
	stateUninitialised state = iota
	stateInitialised
	stateClosed
)

type waiter[R any] struct {
	id       string
	ch       chan *record[R]
	timedOut atomic.Bool
}

// Pool is the generic bounded connection/resource pool. R is the resource
// type produced by Factory[R].
type Pool[R any] struct {
	cfg     Config
	factory Factory[R]
	health  HealthChecker[R] // optional, may be nil
	logger  zerolog.Logger
	name    string

	mu      sync.Mutex
	st      state
	idle    []*record[R] // LIFO: most-recently-returned at the tail
	active  map[string]*record[R]
	waiters []*waiter[R] // FIFO: oldest at index 0
	agg     *aggregator

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Pool at construction time.
type Option[R any] func(*Pool[R])

// WithHealthChecker attaches the optional health-check contract used by
// the periodic sweep.
func WithHealthChecker[R any](hc HealthChecker[R]) Option[R] {
	return func(p *Pool[R]) { p.health = hc }
}

// WithLogger attaches a structured logger. The zero value (zerolog.Nop())
// is used otherwise.
func WithLogger[R any](l zerolog.Logger) Option[R] {
	return func(p *Pool[R]) { p.logger = l }
}

// WithName sets a label used for Prometheus metric names and log fields.
// Defaults to "pool".
func WithName[R any](name string) Option[R] {
	return func(p *Pool[R]) { p.name = name }
}

// New constructs a Pool. The pool is not usable until Initialize succeeds.
func New[R any](cfg Config, factory Factory[R], opts ...Option[R]) (*Pool[R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("pool: factory must not be nil")
	}
	p := &Pool[R]{
		cfg:     cfg,
		factory: factory,
		logger:  zerolog.Nop(),
		name:    "pool",
		active:  make(map[string]*record[R]),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.agg = newAggregator(cfg.windowSize(), p.name)
	return p, nil
}

// Collectors exposes the pool's Prometheus collectors for registration on
// an application-owned registry. The metric name prefix defaults to
// "pool"; use WithName to distinguish multiple pools in one process.
func (p *Pool[R]) Collectors() []prometheus.Collector {
	return p.agg.Collectors()
}

// Initialize transitions Uninitialised -> Initialised, eagerly creating
// MinConnections idle resources (best-effort: a failed warm create is
// logged, not fatal) and starting the maintenance goroutines.
func (p *Pool[R]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.st == stateClosed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if p.st == stateInitialised {
		p.mu.Unlock()
		return nil
	}
	p.st = stateInitialised
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinConnections; i++ {
		rec, err := p.createRecord(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("component", "pool").Str("pool", p.name).Msg("warm create failed")
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, rec)
		p.mu.Unlock()
	}

	if p.cfg.HealthCheckInterval > 0 && p.health != nil {
		p.wg.Add(1)
		go p.healthCheckLoop()
	}
	p.wg.Add(1)
	go p.idleTrimLoop()

	p.logger.Info().Str("component", "pool").Str("pool", p.name).Int("idle", len(p.idle)).Msg("initialised")
	return nil
}

func (p *Pool[R]) createRecord(ctx context.Context) (*record[R], error) {
	res, err := p.factory.Create(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "create", Err: err}
	}
	now := time.Now()
	p.mu.Lock()
	p.agg.recordCreated()
	p.mu.Unlock()
	return &record[R]{
		id:           uuid.NewString(),
		resource:     res,
		createdAt:    now,
		lastBorrowAt: now,
		healthy:      true,
	}, nil
}

func (p *Pool[R]) destroyRecord(ctx context.Context, rec *record[R]) {
	p.factory.Destroy(ctx, rec.resource)
	p.mu.Lock()
	p.agg.recordDestroyed()
	p.mu.Unlock()
}

// Acquire borrows a resource: warmest idle record first, then a fresh
// create while under capacity, then a FIFO wait bounded by the acquire
// timeout.
func (p *Pool[R]) Acquire(ctx context.Context) (*Handle[R], error) {
	start := time.Now()

	p.mu.Lock()
	switch p.st {
	case stateUninitialised:
		p.mu.Unlock()
		return nil, ErrNotInitialized
	case stateClosed:
		p.mu.Unlock()
		return nil, ErrDisposed
	}

	// Step 2: pop most-recently-returned idle record (LIFO), skipping
	// lifetime-exceeded or failed-validate ones.
	for len(p.idle) > 0 {
		rec := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]

		if p.cfg.MaxLifetime > 0 && rec.age() > p.cfg.MaxLifetime {
			p.mu.Unlock()
			p.destroyRecord(ctx, rec)
			p.mu.Lock()
			continue
		}
		if p.cfg.TestOnBorrow {
			p.mu.Unlock()
			ok := p.factory.Validate(ctx, rec.resource)
			p.mu.Lock()
			if !ok {
				p.mu.Unlock()
				p.destroyRecord(ctx, rec)
				p.mu.Lock()
				continue
			}
		}
		rec.lastBorrowAt = time.Now()
		rec.borrowCount++
		p.active[rec.id] = rec
		p.agg.recordAcquire(time.Since(start))
		p.snapshotLocked()
		p.mu.Unlock()
		return &Handle[R]{id: rec.id, resource: rec.resource}, nil
	}

	// Step 3: create if under max.
	total := len(p.idle) + len(p.active)
	if total < p.cfg.MaxConnections {
		p.mu.Unlock()
		rec, err := p.createRecord(ctx)
		if err != nil {
			// Swallowed per §4.1 at every site except this one: the
			// caller gets the error rather than being silently queued
			// behind a factory that is currently broken.
			return nil, err
		}
		p.mu.Lock()
		rec.lastBorrowAt = time.Now()
		rec.borrowCount++
		p.active[rec.id] = rec
		p.agg.recordAcquire(time.Since(start))
		p.snapshotLocked()
		p.mu.Unlock()
		return &Handle[R]{id: rec.id, resource: rec.resource}, nil
	}

	// Step 4: enqueue FIFO waiter.
	w := &waiter[R]{id: uuid.NewString(), ch: make(chan *record[R], 1)}
	p.waiters = append(p.waiters, w)
	p.snapshotLocked()
	p.mu.Unlock()

	elapsed := time.Since(start)
	remaining := p.cfg.AcquireTimeout - elapsed
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case rec, ok := <-w.ch:
		if !ok || rec == nil {
			return nil, ErrDisposed
		}
		p.mu.Lock()
		p.agg.recordAcquire(time.Since(start))
		p.snapshotLocked()
		p.mu.Unlock()
		return &Handle[R]{id: rec.id, resource: rec.resource}, nil

	case <-timer.C:
		w.timedOut.Store(true)
		p.removeWaiter(w)
		return nil, ErrAcquireTimeout

	case <-ctx.Done():
		w.timedOut.Store(true)
		p.removeWaiter(w)
		return nil, ctx.Err()
	}
}

func (p *Pool[R]) removeWaiter(target *waiter[R]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.snapshotLocked()
}

// Release returns a borrowed resource: hand off to the first live
// waiter, else back onto the idle list.
func (p *Pool[R]) Release(ctx context.Context, h *Handle[R]) error {
	p.mu.Lock()
	rec, ok := p.active[h.id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("pool: handle %s is not active", h.id)
	}
	delete(p.active, h.id)
	closed := p.st == stateClosed
	p.mu.Unlock()

	if closed {
		p.destroyRecord(ctx, rec)
		p.mu.Lock()
		p.snapshotLocked()
		p.mu.Unlock()
		return nil
	}

	if p.cfg.TestOnReturn {
		// This validate happens after removal from active, so a
		// concurrent Close can observe zero references between here and
		// re-idling. Intentional-but-loggable.
		if !p.factory.Validate(ctx, rec.resource) {
			p.logger.Warn().Str("component", "pool").Str("pool", p.name).Str("record", rec.id).Msg("validate-on-return failed, destroying")
			p.destroyRecord(ctx, rec)
			p.mu.Lock()
			p.snapshotLocked()
			p.mu.Unlock()
			return nil
		}
	}

	p.mu.Lock()
	if p.st == stateClosed {
		p.mu.Unlock()
		p.logger.Warn().Str("component", "pool").Str("pool", p.name).Str("record", rec.id).Msg("pool closed during release, destroying")
		p.destroyRecord(ctx, rec)
		return nil
	}
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.timedOut.Load() {
			continue
		}
		select {
		case w.ch <- rec:
			rec.lastBorrowAt = time.Now()
			rec.borrowCount++
			p.active[rec.id] = rec
			p.snapshotLocked()
			p.mu.Unlock()
			return nil
		default:
			continue
		}
	}
	rec.lastBorrowAt = time.Now()
	p.idle = append(p.idle, rec)
	p.snapshotLocked()
	p.mu.Unlock()
	return nil
}

// WithConnection acquires a resource, runs op, and always releases — the
// common "do one thing with a pooled resource" convenience.
func WithConnection[R, T any](ctx context.Context, p *Pool[R], op func(context.Context, R) (T, error)) (T, error) {
	var zero T
	h, err := p.Acquire(ctx)
	if err != nil {
		return zero, err
	}
	defer func() { _ = p.Release(ctx, h) }()
	return op(ctx, h.Resource())
}

// Close implements the state machine's terminal transition: cancels
// timers, rejects all waiters with ErrDisposed, and destroys every record.
func (p *Pool[R]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.st == stateClosed {
		p.mu.Unlock()
		return nil
	}
	p.st = stateClosed
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	active := make([]*record[R], 0, len(p.active))
	for _, rec := range p.active {
		active = append(active, rec)
	}
	p.active = make(map[string]*record[R])
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, w := range waiters {
		w.timedOut.Store(true)
		select {
		case w.ch <- nil:
		default:
		}
	}
	for _, rec := range idle {
		p.destroyRecord(ctx, rec)
	}
	for _, rec := range active {
		p.destroyRecord(ctx, rec)
	}
	p.logger.Info().Str("component", "pool").Str("pool", p.name).Msg("closed")
	return nil
}

// Metrics returns the current snapshot.
func (p *Pool[R]) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agg.snapshot(len(p.idle)+len(p.active), len(p.idle), len(p.active), len(p.waiters))
}

// must be called with p.mu held.
func (p *Pool[R]) snapshotLocked() {
	p.agg.snapshot(len(p.idle)+len(p.active), len(p.idle), len(p.active), len(p.waiters))
}

func (p *Pool[R]) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthSweep()
		}
	}
}

func (p *Pool[R]) runHealthSweep() {
	ctx := context.Background()

	p.mu.Lock()
	snapshot := make([]*record[R], len(p.idle))
	copy(snapshot, p.idle)
	p.mu.Unlock()

	for _, rec := range snapshot {
		if p.health.IsHealthy(ctx, rec.resource) {
			continue
		}
		p.mu.Lock()
		p.removeIdleLocked(rec)
		p.mu.Unlock()

		if p.health.Reset(ctx, rec.resource) {
			p.mu.Lock()
			p.idle = append(p.idle, rec)
			p.snapshotLocked()
			p.mu.Unlock()
			continue
		}
		p.destroyRecord(ctx, rec)
		p.mu.Lock()
		p.snapshotLocked()
		p.mu.Unlock()
	}

	// Top up to min_connections.
	p.mu.Lock()
	deficit := p.cfg.MinConnections - (len(p.idle) + len(p.active))
	p.mu.Unlock()
	for i := 0; i < deficit; i++ {
		rec, err := p.createRecord(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Str("component", "pool").Str("pool", p.name).Msg("top-up create failed")
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, rec)
		p.snapshotLocked()
		p.mu.Unlock()
	}
}

func (p *Pool[R]) removeIdleLocked(target *record[R]) {
	for i, r := range p.idle {
		if r == target {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return
		}
	}
}

func (p *Pool[R]) idleTrimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runIdleTrim()
		}
	}
}

func (p *Pool[R]) runIdleTrim() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	ctx := context.Background()
	for {
		p.mu.Lock()
		if len(p.idle) <= p.cfg.MinConnections || len(p.idle) == 0 {
			p.mu.Unlock()
			return
		}
		// oldest idle = index 0 (LIFO pushes/pops at the tail, so the
		// head is the longest-idle record).
		oldest := p.idle[0]
		if oldest.idleDuration() <= p.cfg.IdleTimeout {
			p.mu.Unlock()
			return
		}
		p.idle = p.idle[1:]
		p.snapshotLocked()
		p.mu.Unlock()
		p.destroyRecord(ctx, oldest)
	}
}
