package app

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Call/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrInvalidTransition = errors.New("invalid call state transition")

// CallState is the Connecting -> Connected -> Disconnected machine plus the duration clock.
// Disconnected is terminal.
type CallState struct {
	mu      sync.Mutex
	state   domain.CallState
	tick    time.Duration
	ticker  *time.Ticker
	stop    chan struct{}
	elapsed time.Duration
	started bool

	emitMu    sync.Mutex
	observers []func(from, to domain.CallState)
}

func NewCallState(tick time.Duration) *CallState {
	if tick <= 0 {
		tick = time.Second
	}
	return &CallState{state: domain.StateConnecting, tick: tick}
}

func (c *CallState) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Observe registers fn for every transition. Observers run in transition order.
func (c *CallState) Observe(fn func(from, to domain.CallState)) {
	c.emitMu.Lock()
	c.observers = append(c.observers, fn)
	c.emitMu.Unlock()
}

// Connect moves Connecting -> Connected and starts the clock. The clock starts exactly once.
func (c *CallState) Connect() error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.state != domain.StateConnecting {
		from := c.state
		c.mu.Unlock()
		log.Warn().Str("module", "app.callstate").Str("from", from.String()).Msg("connect rejected")
		return ErrInvalidTransition
	}
	c.state = domain.StateConnected
	if !c.started {
		c.started = true
		c.ticker = time.NewTicker(c.tick)
		c.stop = make(chan struct{})
		go c.run(c.ticker, c.stop)
	}
	c.mu.Unlock()

	c.notify(domain.StateConnecting, domain.StateConnected)
	return nil
}

// Disconnect enters the terminal state, stopping and clearing the clock.
// It reports whether a transition happened.
func (c *CallState) Disconnect() bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	from := c.state
	if from == domain.StateDisconnected {
		c.mu.Unlock()
		return false
	}
	c.state = domain.StateDisconnected
	if c.ticker != nil {
		c.ticker.Stop()
		close(c.stop)
		c.ticker = nil
		c.stop = nil
	}
	c.mu.Unlock()

	c.notify(from, domain.StateDisconnected)
	return true
}

// Elapsed is the call duration counted in whole ticks. It freezes on Disconnected.
func (c *CallState) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *CallState) ClockRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticker != nil
}

// ClockStarted reports whether the clock was ever started.
func (c *CallState) ClockStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *CallState) run(t *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			if c.stop == stop {
				c.elapsed += c.tick
			}
			c.mu.Unlock()
		}
	}
}

// notify must be called with emitMu held.
func (c *CallState) notify(from, to domain.CallState) {
	log.Info().Str("module", "app.callstate").Str("from", from.String()).Str("to", to.String()).Msg("transition")
	for _, fn := range c.observers {
		fn(from, to)
	}
}
