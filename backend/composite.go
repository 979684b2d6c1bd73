package backend

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nexuscore/store/streams"
)

// ReadStrategy selects how Composite.Get and GetAll fan out reads across
// primary, fallback and cache. GetAll treats fastest as primary_first,
// and GetAllPaged always reads from the primary alone.
type ReadStrategy string

const (
	ReadPrimaryFirst ReadStrategy = "primary_first"
	ReadCacheFirst   ReadStrategy = "cache_first"
	ReadFastest      ReadStrategy = "fastest"
)

// WriteStrategy selects how Composite.Save/Delete fan out writes.
type WriteStrategy string

const (
	WritePrimaryOnly     WriteStrategy = "primary_only"
	WriteAll             WriteStrategy = "all"
	WritePrimaryAndCache WriteStrategy = "primary_and_cache"
)

// Composite implements Backend[T, ID] by delegating to a primary plus an
// optional fallback and cache backend under a read/write strategy.
// It satisfies Backend itself, so it can be handed to the
// store façade exactly like a leaf backend, or nested inside another
// Composite.
type Composite[T any, ID comparable] struct {
	Primary  Backend[T, ID]
	Fallback Backend[T, ID] // optional, may be nil
	Cache    Backend[T, ID] // optional, may be nil

	Read  ReadStrategy
	Write WriteStrategy

	Logger zerolog.Logger

	mu         sync.Mutex
	syncStatus *streams.Hot[SyncStatus]
	started    bool
}

func (c *Composite[T, ID]) Name() string { return "composite" }

func (c *Composite[T, ID]) Capabilities() Capabilities {
	cap := c.Primary.Capabilities()
	if c.Fallback != nil {
		f := c.Fallback.Capabilities()
		cap.SupportsOffline = cap.SupportsOffline || f.SupportsOffline
		cap.SupportsRealtime = cap.SupportsRealtime || f.SupportsRealtime
	}
	return cap
}

func (c *Composite[T, ID]) Initialize(ctx context.Context) error {
	for _, b := range c.backends() {
		if err := b.Initialize(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.syncStatus = streams.NewWithValue(c.Primary.SyncStatus(), func(a, b SyncStatus) bool { return a == b })
	c.started = true
	c.mu.Unlock()
	go c.followPrimarySync(ctx)
	return nil
}

func (c *Composite[T, ID]) Close(ctx context.Context) error {
	var firstErr error
	for _, b := range c.backends() {
		if err := b.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Composite[T, ID]) backends() []Backend[T, ID] {
	out := []Backend[T, ID]{c.Primary}
	if c.Fallback != nil {
		out = append(out, c.Fallback)
	}
	if c.Cache != nil {
		out = append(out, c.Cache)
	}
	return out
}

// Get dispatches one read under the configured strategy.
func (c *Composite[T, ID]) Get(ctx context.Context, id ID) (*T, error) {
	switch c.Read {
	case ReadCacheFirst:
		if c.Cache != nil {
			if v, err := c.Cache.Get(ctx, id); err == nil && v != nil {
				return v, nil
			}
		}
		v, err := c.Primary.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		c.writeThroughCache(ctx, v)
		return v, nil

	case ReadFastest:
		return c.getFastest(ctx, id)

	default: // ReadPrimaryFirst
		v, err := c.Primary.Get(ctx, id)
		if err != nil || v == nil {
			if c.Fallback != nil {
				fv, ferr := c.Fallback.Get(ctx, id)
				if ferr == nil && fv != nil {
					c.writeThroughCache(ctx, fv)
					return fv, nil
				}
			}
			if c.Cache != nil {
				cv, cerr := c.Cache.Get(ctx, id)
				if cerr == nil && cv != nil {
					return cv, nil
				}
			}
			return nil, err
		}
		c.writeThroughCache(ctx, v)
		return v, nil
	}
}

func (c *Composite[T, ID]) writeThroughCache(ctx context.Context, v *T) {
	if v == nil || c.Cache == nil {
		return
	}
	if err := c.Cache.Save(ctx, *v); err != nil {
		c.Logger.Warn().Err(err).Str("component", "composite").Str("backend", "cache").Msg("write-through failed")
	}
}

// getFastest dispatches to every configured backend concurrently and
// returns the first non-nil result, cancelling the rest (best-effort).
func (c *Composite[T, ID]) getFastest(ctx context.Context, id ID) (*T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   *T
		err error
	}
	resultsCh := make(chan result, len(c.backends()))
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range c.backends() {
		b := b
		g.Go(func() error {
			v, err := b.Get(gctx, id)
			select {
			case resultsCh <- result{v: v, err: err}:
			case <-gctx.Done():
			}
			return nil
		})
	}
	go func() { g.Wait(); close(resultsCh) }()

	var lastErr error
	for r := range resultsCh {
		if r.err == nil && r.v != nil {
			cancel() // best-effort cancellation of the rest
			c.writeThroughCache(context.WithoutCancel(ctx), r.v)
			return r.v, nil
		}
		if r.err != nil {
			lastErr = r.err
		}
	}
	return nil, lastErr
}

func (c *Composite[T, ID]) GetAll(ctx context.Context, q *Query) ([]T, error) {
	switch c.Read {
	case ReadCacheFirst:
		if c.Cache != nil {
			if items, err := c.Cache.GetAll(ctx, q); err == nil && len(items) > 0 {
				return items, nil
			}
		}
		items, err := c.Primary.GetAll(ctx, q)
		if err != nil {
			return nil, err
		}
		c.writeThroughAll(ctx, items)
		return items, nil
	default:
		items, err := c.Primary.GetAll(ctx, q)
		if err != nil || len(items) == 0 {
			if c.Fallback != nil {
				if fitems, ferr := c.Fallback.GetAll(ctx, q); ferr == nil && len(fitems) > 0 {
					c.writeThroughAll(ctx, fitems)
					return fitems, nil
				}
			}
			return items, err
		}
		c.writeThroughAll(ctx, items)
		return items, nil
	}
}

func (c *Composite[T, ID]) writeThroughAll(ctx context.Context, items []T) {
	if c.Cache == nil {
		return
	}
	if err := c.Cache.SaveAll(ctx, items); err != nil {
		c.Logger.Warn().Err(err).Str("component", "composite").Str("backend", "cache").Msg("write-through (all) failed")
	}
}

func (c *Composite[T, ID]) GetAllPaged(ctx context.Context, q *Query) (PagedResult[T], error) {
	return c.Primary.GetAllPaged(ctx, q)
}

func (c *Composite[T, ID]) Watch(ctx context.Context, id ID) (<-chan *T, func()) {
	return mergeWatch(ctx, c.Primary, c.Fallback, id)
}

func mergeWatch[T any, ID comparable](ctx context.Context, primary, fallback Backend[T, ID], id ID) (<-chan *T, func()) {
	merged := streams.New[*T](func(a, b *T) bool {
		if a == nil || b == nil {
			return a == b
		}
		return reflect.DeepEqual(*a, *b)
	})
	ctx, cancel := context.WithCancel(ctx)

	pipe := func(b Backend[T, ID]) {
		if b == nil {
			return
		}
		ch, unsub := b.Watch(ctx, id)
		go func() {
			defer unsub()
			for v := range ch {
				merged.Push(v)
			}
		}()
	}
	pipe(primary)
	pipe(fallback)

	out, unsubMerged := merged.Subscribe(ctx)
	return out, func() {
		unsubMerged()
		cancel()
	}
}

func (c *Composite[T, ID]) WatchAll(ctx context.Context, q *Query) (<-chan []T, func()) {
	merged := streams.New[[]T](func(a, b []T) bool { return reflect.DeepEqual(a, b) })
	ctx, cancel := context.WithCancel(ctx)

	pipe := func(b Backend[T, ID]) {
		if b == nil {
			return
		}
		ch, unsub := b.WatchAll(ctx, q)
		go func() {
			defer unsub()
			for v := range ch {
				merged.Push(v)
			}
		}()
	}
	pipe(c.Primary)
	pipe(c.Fallback)

	out, unsubMerged := merged.Subscribe(ctx)
	return out, func() {
		unsubMerged()
		cancel()
	}
}

func (c *Composite[T, ID]) Save(ctx context.Context, item T) error {
	switch c.Write {
	case WritePrimaryAndCache:
		if err := c.Primary.Save(ctx, item); err != nil {
			return err
		}
		if c.Cache != nil {
			if err := c.Cache.Save(ctx, item); err != nil {
				c.Logger.Warn().Err(err).Str("component", "composite").Msg("cache save non-fatal failure")
			}
		}
		return nil
	case WriteAll:
		if err := c.Primary.Save(ctx, item); err != nil {
			return err
		}
		if c.Cache != nil {
			if err := c.Cache.Save(ctx, item); err != nil {
				c.Logger.Warn().Err(err).Str("component", "composite").Msg("cache save non-fatal failure")
			}
		}
		if c.Fallback != nil {
			if err := c.Fallback.Save(ctx, item); err != nil {
				c.Logger.Warn().Err(err).Str("component", "composite").Msg("fallback save non-fatal failure")
			}
		}
		return nil
	default: // WritePrimaryOnly
		return c.Primary.Save(ctx, item)
	}
}

func (c *Composite[T, ID]) SaveAll(ctx context.Context, items []T) error {
	if err := c.Primary.SaveAll(ctx, items); err != nil {
		return err
	}
	if c.Write == WritePrimaryOnly {
		return nil
	}
	if c.Cache != nil {
		if err := c.Cache.SaveAll(ctx, items); err != nil {
			c.Logger.Warn().Err(err).Str("component", "composite").Msg("cache save_all non-fatal failure")
		}
	}
	if c.Write == WriteAll && c.Fallback != nil {
		if err := c.Fallback.SaveAll(ctx, items); err != nil {
			c.Logger.Warn().Err(err).Str("component", "composite").Msg("fallback save_all non-fatal failure")
		}
	}
	return nil
}

func (c *Composite[T, ID]) Delete(ctx context.Context, id ID) error {
	if err := c.Primary.Delete(ctx, id); err != nil {
		return err
	}
	if c.Write == WritePrimaryOnly {
		return nil
	}
	if c.Cache != nil {
		if err := c.Cache.Delete(ctx, id); err != nil {
			c.Logger.Warn().Err(err).Str("component", "composite").Msg("cache delete non-fatal failure")
		}
	}
	if c.Write == WriteAll && c.Fallback != nil {
		if err := c.Fallback.Delete(ctx, id); err != nil {
			c.Logger.Warn().Err(err).Str("component", "composite").Msg("fallback delete non-fatal failure")
		}
	}
	return nil
}

func (c *Composite[T, ID]) DeleteAll(ctx context.Context, ids []ID) error {
	if err := c.Primary.DeleteAll(ctx, ids); err != nil {
		return err
	}
	if c.Write == WritePrimaryOnly {
		return nil
	}
	if c.Cache != nil {
		_ = c.Cache.DeleteAll(ctx, ids)
	}
	if c.Write == WriteAll && c.Fallback != nil {
		_ = c.Fallback.DeleteAll(ctx, ids)
	}
	return nil
}

func (c *Composite[T, ID]) DeleteWhere(ctx context.Context, q *Query) error {
	if err := c.Primary.DeleteWhere(ctx, q); err != nil {
		return err
	}
	if c.Write != WritePrimaryOnly && c.Cache != nil {
		_ = c.Cache.DeleteWhere(ctx, q)
	}
	return nil
}

func (c *Composite[T, ID]) Sync(ctx context.Context) error {
	return c.Primary.Sync(ctx)
}

func (c *Composite[T, ID]) SyncStatus() SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncStatus == nil {
		return c.Primary.SyncStatus()
	}
	v, _ := c.syncStatus.Current()
	return v
}

func (c *Composite[T, ID]) SyncStatusStream(ctx context.Context) (<-chan SyncStatus, func()) {
	c.mu.Lock()
	hot := c.syncStatus
	c.mu.Unlock()
	if hot == nil {
		hot = streams.NewWithValue(c.Primary.SyncStatus(), func(a, b SyncStatus) bool { return a == b })
	}
	return hot.Subscribe(ctx)
}

// followPrimarySync mirrors the primary's sync status onto the
// composite's own Hot sequence, forcing SyncError if the primary's
// stream reports it.
func (c *Composite[T, ID]) followPrimarySync(ctx context.Context) {
	ch, unsub := c.Primary.SyncStatusStream(ctx)
	defer unsub()
	for status := range ch {
		c.mu.Lock()
		hot := c.syncStatus
		c.mu.Unlock()
		if hot != nil {
			hot.Push(status)
		}
	}
}

func (c *Composite[T, ID]) PendingChangesCount() int {
	n := c.Primary.PendingChangesCount()
	if c.Fallback != nil {
		n += c.Fallback.PendingChangesCount()
	}
	return n
}

// PendingChangesStream merges the primary's and fallback's streams,
// forwarding each value as it arrives; it does not sum or concatenate
// them.
func (c *Composite[T, ID]) PendingChangesStream(ctx context.Context) (<-chan int, func()) {
	out := make(chan int, 4)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	pipe := func(b Backend[T, ID]) {
		if b == nil {
			return
		}
		wg.Add(1)
		ch, unsub := b.PendingChangesStream(ctx)
		go func() {
			defer wg.Done()
			defer unsub()
			for v := range ch {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	pipe(c.Primary)
	pipe(c.Fallback)

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, cancel
}

// ConflictsStream merges conflicts across backends.
func (c *Composite[T, ID]) ConflictsStream(ctx context.Context) (<-chan Conflict[T, ID], func()) {
	out := make(chan Conflict[T, ID], 4)
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	pipe := func(b Backend[T, ID]) {
		if b == nil {
			return
		}
		wg.Add(1)
		ch, unsub := b.ConflictsStream(ctx)
		go func() {
			defer wg.Done()
			defer unsub()
			for v := range ch {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	pipe(c.Primary)
	pipe(c.Fallback)

	go func() {
		wg.Wait()
		close(out)
	}()
	return out, cancel
}

func (c *Composite[T, ID]) RetryChange(ctx context.Context, id ID) error {
	if err := c.Primary.RetryChange(ctx, id); err == nil {
		return nil
	}
	if c.Fallback != nil {
		return c.Fallback.RetryChange(ctx, id)
	}
	return c.Primary.RetryChange(ctx, id)
}

func (c *Composite[T, ID]) CancelChange(ctx context.Context, id ID) error {
	if err := c.Primary.CancelChange(ctx, id); err == nil {
		return nil
	}
	if c.Fallback != nil {
		return c.Fallback.CancelChange(ctx, id)
	}
	return c.Primary.CancelChange(ctx, id)
}

var _ Backend[struct{}, string] = (*Composite[struct{}, string])(nil)
