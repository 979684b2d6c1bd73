// Package txn implements the transaction engine: a
// callback-scoped operation log replayed against a backend at commit
// time, with compensating rollback and nested savepoints.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexuscore/store/backend"
	"github.com/nexuscore/store/cachefetch"
)

type opKind int

const (
	opSave opKind = iota
	opDelete
)

type opRecord[T any, ID comparable] struct {
	kind     opKind
	id       ID
	item     T
	original *T // nil means "this id did not exist before the operation"
}

// TransactionError is returned for any aborted transaction: a domain
// error raised inside the callback, or a timeout.
type TransactionError struct {
	WasRolledBack bool
	TimedOut      bool
	Cause         error
}

func (e *TransactionError) Error() string {
	if e.TimedOut {
		return "txn: timed out"
	}
	return fmt.Sprintf("txn: aborted: %v", e.Cause)
}

func (e *TransactionError) Unwrap() error { return e.Cause }

type ctxKey struct{}

// txState is shared by every Tx handle in one top-level transaction,
// including nested ones: nested transactions append directly into the
// same operation log and record a savepoint marker instead of keeping a
// separate log that gets merged in later.
type txState[T any, ID comparable] struct {
	id      string
	mu      sync.Mutex
	ops     []opRecord[T, ID]
	markers []int
}

// Tx is the handle passed into a transaction callback.
type Tx[T any, ID comparable] struct {
	ctx     context.Context
	backend backend.Backend[T, ID]
	state   *txState[T, ID]
}

// ID returns the top-level transaction's identifier, shared by every
// nested Tx handle within it. Useful for correlating log lines across a
// transaction's lifetime.
func (tx *Tx[T, ID]) ID() string { return tx.state.id }

func (tx *Tx[T, ID]) fetchOriginal(id ID) *T {
	v, err := tx.backend.Get(tx.ctx, id)
	if err != nil {
		return nil
	}
	return v
}

// Save appends a save operation, seeding original_value from the
// backend's current value for id. It does not touch the backend.
func (tx *Tx[T, ID]) Save(item T, id ID) {
	original := tx.fetchOriginal(id)
	tx.state.mu.Lock()
	tx.state.ops = append(tx.state.ops, opRecord[T, ID]{kind: opSave, id: id, item: item, original: original})
	tx.state.mu.Unlock()
}

// SaveAll appends a save operation per item.
func (tx *Tx[T, ID]) SaveAll(items []T, ids []ID) {
	for i, item := range items {
		tx.Save(item, ids[i])
	}
}

// Delete appends a delete operation, seeding original_value from the
// backend's current value for id.
func (tx *Tx[T, ID]) Delete(id ID) {
	original := tx.fetchOriginal(id)
	tx.state.mu.Lock()
	tx.state.ops = append(tx.state.ops, opRecord[T, ID]{kind: opDelete, id: id, original: original})
	tx.state.mu.Unlock()
}

// DeleteAll appends a delete operation per id.
func (tx *Tx[T, ID]) DeleteAll(ids []ID) {
	for _, id := range ids {
		tx.Delete(id)
	}
}

// Context returns the transaction-scoped context, carrying the nesting
// marker later transaction() calls detect.
func (tx *Tx[T, ID]) Context() context.Context { return tx.ctx }

// Config carries the engine's tunables.
type Config struct {
	DefaultTimeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.DefaultTimeout <= 0 {
		return 30 * time.Second
	}
	return c.DefaultTimeout
}

// Engine is the transaction engine, parameterised over the entity type T
// and its identifier ID. cache is optional and, when set, receives the
// post-commit freshness notifications (record saves, invalidate
// deletes).
type Engine[T any, ID comparable] struct {
	backend backend.Backend[T, ID]
	cache   *cachefetch.Handler[T, ID]
	cfg     Config
	logger  zerolog.Logger
}

// New constructs a transaction engine over the given backend.
func New[T any, ID comparable](b backend.Backend[T, ID], cache *cachefetch.Handler[T, ID], cfg Config, logger zerolog.Logger) *Engine[T, ID] {
	return &Engine[T, ID]{backend: b, cache: cache, cfg: cfg, logger: logger}
}

// Run executes fn inside a transaction context and returns its result.
// A nested call (ctx already carries a live txState for this engine's
// T/ID pair) shares the enclosing transaction instead of starting a new
// one, recording a savepoint marker instead.
func Run[T any, ID comparable, R any](ctx context.Context, e *Engine[T, ID], timeout time.Duration, fn func(tx *Tx[T, ID]) (R, error)) (R, error) {
	var zero R

	if state, ok := ctx.Value(ctxKey{}).(*txState[T, ID]); ok {
		return runNestedTyped(ctx, e, state, fn)
	}

	if timeout <= 0 {
		timeout = e.cfg.timeout()
	}
	state := &txState[T, ID]{id: uuid.NewString()}
	txCtx := context.WithValue(ctx, ctxKey{}, state)
	timedCtx, cancel := context.WithTimeout(txCtx, timeout)
	defer cancel()

	type outcome struct {
		result R
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("txn: callback panicked: %v", p)}
			}
		}()
		tx := &Tx[T, ID]{ctx: timedCtx, backend: e.backend, state: state}
		r, err := fn(tx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case <-timedCtx.Done():
		e.rollback(context.Background(), state, 0)
		return zero, &TransactionError{WasRolledBack: true, TimedOut: true, Cause: timedCtx.Err()}
	case out := <-done:
		if out.err != nil {
			e.rollback(context.Background(), state, 0)
			return zero, &TransactionError{WasRolledBack: true, Cause: out.err}
		}
		if err := e.commit(ctx, state); err != nil {
			return zero, &TransactionError{WasRolledBack: true, Cause: err}
		}
		return out.result, nil
	}
}

// runNestedTyped mirrors Run's body for the already-in-a-transaction
// case: on success no backend work happens here, only savepoint
// bookkeeping; on failure the ops recorded since the savepoint marker are
// compensated against the backend and dropped from the shared log.
func runNestedTyped[T any, ID comparable, R any](ctx context.Context, e *Engine[T, ID], state *txState[T, ID], fn func(tx *Tx[T, ID]) (R, error)) (R, error) {
	var zero R
	state.mu.Lock()
	marker := len(state.ops)
	state.markers = append(state.markers, marker)
	state.mu.Unlock()

	tx := &Tx[T, ID]{ctx: ctx, backend: e.backend, state: state}
	result, err := fn(tx)

	state.mu.Lock()
	state.markers = state.markers[:len(state.markers)-1]
	state.mu.Unlock()

	if err != nil {
		e.rollback(context.Background(), state, marker)
		return zero, &TransactionError{WasRolledBack: true, Cause: err}
	}
	return result, nil
}

// commit replays the accumulated operations against the backend: inside
// a native transaction when the backend advertises support, otherwise
// directly and hoping, with compensating rollback on failure either way.
func (e *Engine[T, ID]) commit(ctx context.Context, state *txState[T, ID]) error {
	state.mu.Lock()
	ops := append([]opRecord[T, ID](nil), state.ops...)
	state.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	var commitErr error
	txc, nativeCapable := e.backend.(backend.TransactionContract)
	if nativeCapable && e.backend.Capabilities().SupportsTransactions {
		commitErr = txc.RunInTransaction(ctx, func(innerCtx context.Context) error {
			return e.replay(innerCtx, ops, 0)
		})
	} else {
		commitErr = e.replay(ctx, ops, 0)
	}

	if commitErr != nil {
		e.rollback(context.Background(), state, 0)
		return commitErr
	}

	for _, op := range ops {
		switch op.kind {
		case opSave:
			if e.cache != nil {
				e.cache.RecordCachedItem(op.id)
			}
		case opDelete:
			if e.cache != nil {
				e.cache.Invalidate(op.id)
			}
		}
	}
	return nil
}

// replay applies ops[from:] in order, stopping at the first failure. The
// caller is responsible for compensating whatever already landed.
func (e *Engine[T, ID]) replay(ctx context.Context, ops []opRecord[T, ID], from int) error {
	for i := from; i < len(ops); i++ {
		if err := e.applyOp(ctx, ops[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine[T, ID]) applyOp(ctx context.Context, op opRecord[T, ID]) error {
	switch op.kind {
	case opSave:
		return e.backend.Save(ctx, op.item)
	case opDelete:
		return e.backend.Delete(ctx, op.id)
	}
	return nil
}

// rollback compensates every op recorded from index `from` onward, in
// reverse order, then truncates the shared log to that point.
func (e *Engine[T, ID]) rollback(ctx context.Context, state *txState[T, ID], from int) {
	state.mu.Lock()
	toUndo := append([]opRecord[T, ID](nil), state.ops[from:]...)
	state.ops = state.ops[:from]
	state.mu.Unlock()
	e.compensate(ctx, state.id, toUndo)
}

// compensate walks ops in reverse, undoing each. Per-step errors are
// logged and swallowed.
func (e *Engine[T, ID]) compensate(ctx context.Context, txID string, ops []opRecord[T, ID]) {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		var err error
		switch op.kind {
		case opSave:
			if op.original == nil {
				err = e.backend.Delete(ctx, op.id)
			} else {
				err = e.backend.Save(ctx, *op.original)
			}
		case opDelete:
			if op.original != nil {
				err = e.backend.Save(ctx, *op.original)
			}
		}
		if err != nil {
			e.logger.Warn().Err(err).Str("component", "txn").Str("tx_id", txID).Msg("compensation step failed")
		}
	}
}
