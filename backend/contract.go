package backend

import (
	"context"
	"time"
)

// SyncStatus is the authoritative-backend sync state.
type SyncStatus string

const (
	SyncIdle       SyncStatus = "idle"
	SyncInProgress SyncStatus = "in_progress"
	SyncError      SyncStatus = "error"
)

// Conflict is a detected divergence between a locally pending change and
// the authoritative value, surfaced through ConflictsStream. Resolution
// itself belongs to the out-of-process CRDT merge collaborator; this
// core only names the shape callers observe.
type Conflict[T any, ID comparable] struct {
	ID         ID
	Local      T
	Remote     T
	DetectedAt time.Time
}

// Capabilities are the flags a Backend advertises about itself.
type Capabilities struct {
	SupportsOffline      bool
	SupportsRealtime     bool
	SupportsTransactions bool
	SupportsPagination   bool
}

// Backend is the leaf storage contract. Every concrete
// storage adapter (embedded DB, REST client, in-memory cache) satisfies
// this; the core only depends on it, never on a concrete adapter.
type Backend[T any, ID comparable] interface {
	Name() string
	Capabilities() Capabilities

	Initialize(ctx context.Context) error
	Close(ctx context.Context) error

	Get(ctx context.Context, id ID) (*T, error)
	GetAll(ctx context.Context, q *Query) ([]T, error)
	GetAllPaged(ctx context.Context, q *Query) (PagedResult[T], error)

	// Watch returns a hot, value-replaying channel for one id (nil items
	// mean "absent") and an unsubscribe func. Cancelling ctx also
	// unsubscribes.
	Watch(ctx context.Context, id ID) (<-chan *T, func())
	WatchAll(ctx context.Context, q *Query) (<-chan []T, func())

	Save(ctx context.Context, item T) error
	SaveAll(ctx context.Context, items []T) error
	Delete(ctx context.Context, id ID) error
	DeleteAll(ctx context.Context, ids []ID) error
	DeleteWhere(ctx context.Context, q *Query) error

	Sync(ctx context.Context) error
	SyncStatus() SyncStatus
	SyncStatusStream(ctx context.Context) (<-chan SyncStatus, func())

	PendingChangesCount() int
	PendingChangesStream(ctx context.Context) (<-chan int, func())
	ConflictsStream(ctx context.Context) (<-chan Conflict[T, ID], func())

	RetryChange(ctx context.Context, id ID) error
	CancelChange(ctx context.Context, id ID) error
}

// Pageable is satisfied by any Backend whose GetAllPaged is a real
// cursor-paged implementation rather than the single-unbounded-page
// fallback. No package of this module type-asserts for it:
// cachefetch.Handler.InvalidateWhere always pages through GetAllPaged,
// and a backend without real pagination presents one unbounded page.
type Pageable[T any] interface {
	SupportsRealPagination() bool
}

// TransactionContract is the optional leaf contract gated on
// Capabilities.SupportsTransactions. The transaction engine prefers it
// over direct replay when the backend advertises support.
type TransactionContract interface {
	BeginTransaction(ctx context.Context) (txID string, err error)
	CommitTransaction(ctx context.Context, txID string) error
	RunInTransaction(ctx context.Context, body func(ctx context.Context) error) error
}
