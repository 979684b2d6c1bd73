package backend

import "errors"

var (
	// ErrNoCacheBackend is returned by cache_only operations when no cache
	// backend was configured.
	ErrNoCacheBackend = errors.New("backend: no cache backend configured")

	// ErrNoSuchPendingChange is returned by retry_change/cancel_change
	// when the id has nothing outstanding.
	ErrNoSuchPendingChange = errors.New("backend: no pending change for id")
)
