// Package reconnect implements the L0 reconnection controller: a capped
// exponential backoff scheduler layered over an explicit connection-state
// machine, reusable for any single upstream connection independent of its
// transport.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// State is a connection lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Policy tunes the backoff schedule. Call Policy.withDefaults() (via
// NewController) to fill zero fields.
type Policy struct {
	// InitialDelay is the delay before the first retry. Default 1s.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay. Default 60s.
	MaxDelay time.Duration
	// Multiplier grows the delay each attempt. Default 2.0.
	Multiplier float64
	// JitterFraction randomizes the delay by +/- this fraction. Default 0.25
	// (applied when zero); a negative value disables jitter.
	JitterFraction float64
	// MaxAttempts is the number of retries before the controller gives up
	// and transitions to StateFailed. Default 10 (applied when zero); a
	// negative value disables the cap (retries forever).
	MaxAttempts int
	// StabilityDuration is how long a connection must stay StateConnected
	// before its attempt counter resets to zero. Default 5m.
	StabilityDuration time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = 0.25
	} else if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 10
	}
	if p.StabilityDuration <= 0 {
		p.StabilityDuration = 5 * time.Minute
	}
	return p
}

// delayFor computes base = min(initial * multiplier^attempt, max), then
// applies +/- jitterFraction of jitter. attempt is 0-based (the delay
// before the first retry uses attempt=0).
func (p Policy) delayFor(attempt int, randFloat func() float64) time.Duration {
	base := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		base *= p.Multiplier
		if base > float64(p.MaxDelay) {
			base = float64(p.MaxDelay)
			break
		}
	}
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	if p.JitterFraction > 0 {
		// jitter in [-fraction, +fraction] of base.
		j := (randFloat()*2 - 1) * p.JitterFraction
		base += base * j
		if base < 0 {
			base = 0
		}
	}
	return time.Duration(base)
}

// Observer is notified of state transitions, in transition order.
type Observer func(from, to State, attempt int)

// Controller drives one connection's lifecycle through capped exponential
// backoff with jitter. It owns no transport; callers call NoteConnecting,
// NoteConnected, and NoteDisconnected to report outcomes and get told when
// (and whether) to retry.
type Controller struct {
	policy   Policy
	observer Observer
	randFloat func() float64

	mu             sync.Mutex
	state          State
	attempt        int
	connectedSince time.Time
	cancelWait     context.CancelFunc
}

// NewController creates a Controller starting in StateIdle.
func NewController(policy Policy, observer Observer) *Controller {
	return &Controller{
		policy:    policy.withDefaults(),
		observer:  observer,
		randFloat: rand.Float64,
		state:     StateIdle,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current retry attempt count (0 before any failure).
func (c *Controller) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *Controller) transition(to State) {
	from := c.state
	c.state = to
	if c.observer != nil && from != to {
		attempt := c.attempt
		obs := c.observer
		c.mu.Unlock()
		obs(from, to, attempt)
		c.mu.Lock()
	}
}

// NoteConnecting records that a connection attempt has started.
func (c *Controller) NoteConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		return
	}
	c.transition(StateConnecting)
}

// NoteConnected records a successful connection: resets the attempt
// counter immediately, per §4.1 ("note_connected() ... resets attempt
// counter"). CheckStability is an additional guard on top of this, not a
// replacement for it: a connection that drops and reconnects starts its
// next retry schedule at attempt 0, and CheckStability separately tracks
// whether that connection has remained up long enough to be considered
// stable.
func (c *Controller) NoteConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectedSince = time.Now()
	c.attempt = 0
	c.transition(StateConnected)
}

// NoteDisconnected records a lost or failed connection. It returns the
// delay to wait before the next attempt and ok=true, or ok=false if
// MaxAttempts has been exhausted (state becomes StateFailed and the
// caller must not retry without calling Reset).
func (c *Controller) NoteDisconnected() (delay time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transition(StateDisconnected)

	if c.policy.MaxAttempts > 0 && c.attempt >= c.policy.MaxAttempts {
		c.transition(StateFailed)
		return 0, false
	}

	delay = c.policy.delayFor(c.attempt, c.randFloat)
	c.attempt++
	c.transition(StateReconnecting)
	return delay, true
}

// CheckStability resets the attempt counter to zero if the connection has
// been continuously StateConnected for at least StabilityDuration. Intended
// to be called periodically (e.g. once a minute) by the owning manager.
func (c *Controller) CheckStability(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && c.attempt > 0 && !c.connectedSince.IsZero() &&
		now.Sub(c.connectedSince) >= c.policy.StabilityDuration {
		c.attempt = 0
	}
}

// Cancel transitions the controller to StateIdle from any state, signalling
// an explicit close. Any pending wait registered via WaitContext is
// cancelled.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelWait != nil {
		c.cancelWait()
		c.cancelWait = nil
	}
	c.transition(StateIdle)
}

// Reset clears the attempt counter and returns the controller to StateIdle,
// allowing a fresh connect sequence after StateFailed.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
	c.transition(StateIdle)
}

// WaitContext blocks for the given delay or until ctx is cancelled or
// Cancel() is called, whichever comes first. Returns ctx.Err() (or the
// controller's own cancellation) on early return, nil if the full delay
// elapsed.
func (c *Controller) WaitContext(ctx context.Context, delay time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancelWait = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.cancelWait != nil {
			c.cancelWait = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}
