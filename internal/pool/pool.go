// Package pool bounds how many downloads run at once. Beyond the plain slot
// counter it carries the adaptive-concurrency feedback loop and the global
// speed-limit budget.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mediacrate/mediacrate/internal/logging"
)

// ErrNoCapacity is queue-fatal: the pool is configured so no slot can ever be
// acquired. Surfaced for operator correction rather than retried.
var ErrNoCapacity = errors.New("concurrency pool has no capacity configured")

const (
	// outcomeWindow is the sliding window the failure-rate check looks at.
	outcomeWindow = 30 * time.Second
	// minWindowSamples guards against halving on one unlucky job.
	minWindowSamples = 4
	// recoveryCooldown is how long the window must stay failure-free before
	// the effective ceiling creeps back up.
	recoveryCooldown = 15 * time.Second
)

type outcome struct {
	at        time.Time
	transient bool
}

// ChangeFunc is notified when the effective ceiling moves.
type ChangeFunc func(effective, max int, reason string)

// Controller is the bounded-slot concurrency controller.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxConcurrent int // user-configured ceiling
	effective     int // adaptive ceiling, 1..maxConcurrent
	active        int
	adaptive      bool

	outcomes    []outcome
	lastLowered time.Time

	speedLimit int64 // bytes/sec across all jobs, 0 = unlimited
	limiter    *rate.Limiter

	onChange ChangeFunc
	now      func() time.Time
}

// New builds a controller. maxConcurrent < 1 is kept as configured; Acquire
// reports ErrNoCapacity for it.
func New(maxConcurrent int, adaptive bool, speedLimitBytes int64) *Controller {
	c := &Controller{
		maxConcurrent: maxConcurrent,
		effective:     maxConcurrent,
		adaptive:      adaptive,
		speedLimit:    speedLimitBytes,
		now:           time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	if speedLimitBytes > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(speedLimitBytes), int(speedLimitBytes))
	}
	return c
}

// OnChange registers the ceiling-change callback. Must be set before use.
func (c *Controller) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Acquire blocks until a slot is free, the context is done, or the pool is
// found to have no capacity at all.
func (c *Controller) Acquire(ctx context.Context) error {
	// Wake the cond wait when the context is cancelled.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.maxConcurrent < 1 {
			return ErrNoCapacity
		}
		if c.active < c.ceilingLocked() {
			c.active++
			return nil
		}
		c.cond.Wait()
	}
}

// TryAcquire takes a slot without blocking.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxConcurrent < 1 || c.active >= c.ceilingLocked() {
		return false
	}
	c.active++
	return true
}

// Release frees a slot taken by Acquire/TryAcquire.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Active reports how many slots are currently held.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Effective reports the current adaptive ceiling.
func (c *Controller) Effective() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceilingLocked()
}

// SetMaxConcurrent changes the user ceiling at runtime. The effective ceiling
// is reset to the new maximum.
func (c *Controller) SetMaxConcurrent(n int) {
	c.mu.Lock()
	c.maxConcurrent = n
	c.effective = n
	c.cond.Broadcast()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(n, n, "configured")
	}
}

// SetSpeedLimit changes the global byte budget at runtime. 0 removes it.
func (c *Controller) SetSpeedLimit(bytesPerSec int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speedLimit = bytesPerSec
	if bytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	} else {
		c.limiter = nil
	}
}

// Limiter returns the shared byte budget for in-process transfers, nil when
// unlimited.
func (c *Controller) Limiter() *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limiter
}

// PerJobRateBytes divides the global budget across the currently active jobs,
// for backends that only accept a per-process rate flag. 0 means unlimited.
func (c *Controller) PerJobRateBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speedLimit <= 0 {
		return 0
	}
	active := c.active
	if active < 1 {
		active = 1
	}
	per := c.speedLimit / int64(active)
	if per < 1 {
		per = 1
	}
	return per
}

// ReportOutcome feeds the adaptive loop with one finished attempt. transient
// marks a Transient failure; completions and non-transient failures count as
// healthy signal.
func (c *Controller) ReportOutcome(transient bool) {
	c.mu.Lock()
	if !c.adaptive {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.outcomes = append(c.outcomes, outcome{at: now, transient: transient})
	c.pruneLocked(now)

	var fn ChangeFunc
	var effective int
	max := c.maxConcurrent
	reason := ""

	transients := 0
	for _, o := range c.outcomes {
		if o.transient {
			transients++
		}
	}
	total := len(c.outcomes)

	switch {
	case total >= minWindowSamples && transients*2 > total && c.ceilingLocked() > 1:
		// Over half the recent completions failed transiently: back off.
		c.effective = c.ceilingLocked() / 2
		if c.effective < 1 {
			c.effective = 1
		}
		c.lastLowered = now
		c.outcomes = nil
		reason = "transient failure rate"
		effective = c.effective
		fn = c.onChange
	case transients == 0 && total >= minWindowSamples &&
		c.ceilingLocked() < c.maxConcurrent &&
		now.Sub(c.lastLowered) >= recoveryCooldown:
		// Sustained clean window: creep back toward the configured ceiling.
		c.effective = c.ceilingLocked() + 1
		c.outcomes = nil
		reason = "recovered"
		effective = c.effective
		fn = c.onChange
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if fn != nil {
		logging.Info("effective concurrency changed",
			zap.Int("effective", effective), zap.String("reason", reason))
		fn(effective, max, reason)
	}
}

func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-outcomeWindow)
	kept := c.outcomes[:0]
	for _, o := range c.outcomes {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	c.outcomes = kept
}

func (c *Controller) ceilingLocked() int {
	if c.effective < 1 && c.maxConcurrent >= 1 {
		return 1
	}
	if c.effective > c.maxConcurrent {
		return c.maxConcurrent
	}
	return c.effective
}
