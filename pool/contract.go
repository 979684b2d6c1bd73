package pool

import "context"

// Factory creates, destroys and validates pooled resources. Destroy and
// Validate must not propagate failures — a broken resource is simply
// treated as dead; the pool logs, it never panics or returns the error
// to a caller.
type Factory[R any] interface {
	// Create builds a new resource. May fail; failures are swallowed by
	// the pool at every call site except the one synchronous attempt in
	// Acquire step 3, where they are reported as a ConnectionError so a
	// waiting caller isn't left queued behind a factory that can never
	// succeed this cycle.
	Create(ctx context.Context) (R, error)

	// Destroy releases a resource. Must not fail-propagate — log and
	// move on.
	Destroy(ctx context.Context, r R)

	// Validate probes a resource for liveness before handing it out or
	// re-idling it. Must not fail-propagate — return false on doubt.
	Validate(ctx context.Context, r R) bool
}

// HealthChecker is the optional leaf contract for the periodic
// health-check sweep. Both methods must be non-throwing.
type HealthChecker[R any] interface {
	IsHealthy(ctx context.Context, r R) bool
	Reset(ctx context.Context, r R) bool
}
