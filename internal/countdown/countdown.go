// Package countdown runs the per-turn timer shown to the agent holding the
// turn.
package countdown

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultDuration is the time an agent has to submit before the turn is
// taken away.
const DefaultDuration = 120 * time.Second

// Tick is the interval at which OnTick reports the remaining time.
const Tick = time.Second

// Config configures a Countdown.
type Config struct {
	Duration time.Duration
	Clock    clock.Clock

	// OnTick receives the remaining time once per Tick. It runs on the
	// countdown goroutine.
	OnTick func(remaining time.Duration)

	// OnTimeUp fires once per arm when the full duration elapses without
	// the countdown being deactivated.
	OnTimeUp func()
}

// Countdown is armed by SetActive(true) or Restart and disarmed by
// SetActive(false).
type Countdown struct {
	cfg Config

	mu        sync.Mutex
	current   *run
	remaining time.Duration
	stopped   bool
}

type run struct {
	deadline time.Time
	ticker   *clock.Ticker
	stop     chan struct{}
	done     chan struct{}
}

// New returns an inactive countdown.
func New(cfg Config) *Countdown {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Countdown{cfg: cfg, remaining: cfg.Duration}
}

// Duration returns the full countdown length.
func (c *Countdown) Duration() time.Duration { return c.cfg.Duration }

// SetActive arms the countdown from full duration on an inactive to
// active transition and discards it on the reverse. Repeating the current
// state does nothing.
func (c *Countdown) SetActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || active == (c.current != nil) {
		return
	}
	if !active {
		c.cancelLocked()
		return
	}
	c.armLocked()
}

// Restart discards any running countdown and arms a new one from full
// duration. OnTimeUp is not invoked for the discarded run unless it had
// already expired.
func (c *Countdown) Restart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.cancelLocked()
	c.armLocked()
}

func (c *Countdown) armLocked() {
	r := &run{
		deadline: c.cfg.Clock.Now().Add(c.cfg.Duration),
		ticker:   c.cfg.Clock.Ticker(Tick),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.current = r
	c.remaining = c.cfg.Duration
	go c.loop(r)
}

// Active reports whether a countdown is running.
func (c *Countdown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Remaining returns the time left on the running countdown. It is zero
// after expiry and the full duration after a cancel.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) cancelLocked() {
	r := c.current
	if r == nil {
		return
	}
	c.current = nil
	c.remaining = c.cfg.Duration
	close(r.stop)
}

func (c *Countdown) loop(r *run) {
	defer close(r.done)
	defer r.ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
		}

		remaining := r.deadline.Sub(c.cfg.Clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		c.mu.Lock()
		if c.current != r {
			// Cancelled between the tick and now.
			c.mu.Unlock()
			return
		}
		c.remaining = remaining
		expired := remaining == 0
		if expired {
			c.current = nil
		}
		c.mu.Unlock()

		if c.cfg.OnTick != nil {
			c.cfg.OnTick(remaining)
		}
		if expired {
			if c.cfg.OnTimeUp != nil {
				c.cfg.OnTimeUp()
			}
			return
		}
	}
}

// Stop disarms the countdown for good and waits for its goroutine. It
// must not be called from OnTick or OnTimeUp.
func (c *Countdown) Stop() {
	c.mu.Lock()
	r := c.current
	c.cancelLocked()
	c.stopped = true
	c.mu.Unlock()
	if r != nil {
		<-r.done
	}
}
