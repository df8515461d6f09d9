package subscription

import (
	"sync"
	"time"
)

// CircuitConfig pauses requests to a backend that keeps failing.
//
// After Trip consecutive failures the circuit opens for BaseDelay, doubling
// per further failure up to MaxDelay. A success closes it. Failures older
// than ResetAfter are forgotten.
type CircuitConfig struct {
	// Trip defaults to 5; negative disables the circuit.
	Trip       int
	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 1m
	ResetAfter time.Duration // default 5m
}

type circuit struct {
	cfg     CircuitConfig
	enabled bool

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
	trips       uint64
}

func newCircuit(cfg CircuitConfig) *circuit {
	if cfg.Trip < 0 {
		return &circuit{}
	}
	if cfg.Trip == 0 {
		cfg.Trip = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5 * time.Minute
	}
	return &circuit{cfg: cfg, enabled: true}
}

// resetStale forgets failures older than ResetAfter. Callers hold mu.
func (c *circuit) resetStale(now time.Time) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > c.cfg.ResetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// open reports whether requests are paused, and until when.
func (c *circuit) open(now time.Time) (bool, time.Time) {
	if !c.enabled {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetStale(now)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

// record notes a request result and reports whether this failure tripped
// the circuit.
func (c *circuit) record(now time.Time, err error) (tripped bool) {
	if !c.enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetStale(now)
	if err == nil {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return false
	}
	c.fails++
	c.lastFailure = now
	if c.fails < c.cfg.Trip {
		return false
	}
	d := c.cfg.BaseDelay
	for i := 0; i < c.fails-c.cfg.Trip && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	d = min(d, c.cfg.MaxDelay)
	c.openUntil = now.Add(d)
	c.trips++
	return true
}

func (c *circuit) snapshot() (fails int, trips uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fails, c.trips
}
