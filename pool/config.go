package pool

import (
	"fmt"
	"time"
)

// Config bounds the pool. Immutable after the pool is constructed.
type Config struct {
	MinConnections int
	MaxConnections int

	// AcquireTimeout bounds how long Acquire waits for a resource once
	// queued. Must be > 0.
	AcquireTimeout time.Duration

	// MaxLifetime destroys a resource once its age exceeds this, the
	// next time it is considered for borrow. Zero disables the check.
	MaxLifetime time.Duration

	// IdleTimeout is the idle-trim threshold evaluated every 30s.
	// Zero disables idle trimming.
	IdleTimeout time.Duration

	// HealthCheckInterval drives the periodic health-check sweep. Zero
	// disables health checking.
	HealthCheckInterval time.Duration

	// TestOnBorrow runs Factory.Validate before handing out an idle
	// resource.
	TestOnBorrow bool

	// TestOnReturn runs Factory.Validate before re-idling a released
	// resource.
	TestOnReturn bool

	// AcquireWindowSize bounds the rolling window used for the mean
	// acquire-time metric. Defaults to 100 when <= 0.
	AcquireWindowSize int
}

// DefaultConfig returns sane defaults for a small local pool: 1..10
// connections, a 5s acquire timeout, 30 minute lifetime, 5 minute idle
// timeout and a 1 minute health-check cadence.
func DefaultConfig() Config {
	return Config{
		MinConnections:       1,
		MaxConnections:       10,
		AcquireTimeout:       5 * time.Second,
		MaxLifetime:          30 * time.Minute,
		IdleTimeout:          5 * time.Minute,
		HealthCheckInterval:  time.Minute,
		TestOnBorrow:         false,
		TestOnReturn:         false,
		AcquireWindowSize:    100,
	}
}

// Validate enforces the config invariants: 0 <= min <= max, a positive
// acquire timeout, non-negative durations.
func (c Config) Validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("pool: min_connections must be >= 0, got %d", c.MinConnections)
	}
	if c.MaxConnections < c.MinConnections {
		return fmt.Errorf("pool: max_connections (%d) must be >= min_connections (%d)", c.MaxConnections, c.MinConnections)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("pool: acquire_timeout must be > 0, got %v", c.AcquireTimeout)
	}
	if c.MaxLifetime < 0 || c.IdleTimeout < 0 || c.HealthCheckInterval < 0 {
		return fmt.Errorf("pool: durations must be non-negative")
	}
	return nil
}

func (c Config) windowSize() int {
	if c.AcquireWindowSize <= 0 {
		return 100
	}
	return c.AcquireWindowSize
}
