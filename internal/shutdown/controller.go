// Package shutdown sequences process termination: a first signal drains
// positions gracefully, a second signal or a timeout escalates to emergency
// close with a persisted flag.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State is the controller's phase.
type State string

const (
	StateRunning    State = "RUNNING"
	StateGraceful   State = "GRACEFUL_SHUTDOWN"
	StateEmergency  State = "EMERGENCY_SHUTDOWN"
	StateTerminated State = "TERMINATED"
)

// Engine is the slice of the order engine shutdown drives.
type Engine interface {
	BlockEntries()
	OpenCount() int
	CloseAll(ctx context.Context, reason string) error
}

// FlagStore persists the emergency marker for the next start.
type FlagStore interface {
	SetEmergencyFlag(ctx context.Context, reason string) error
}

// Controller owns the termination sequence.
type Controller struct {
	engine Engine
	flags  FlagStore
	log    *zap.Logger

	gracefulTimeout time.Duration
	pollInterval    time.Duration

	sigCh chan os.Signal
	state State
}

func New(engine Engine, flags FlagStore, log *zap.Logger, gracefulTimeout, pollInterval time.Duration) *Controller {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 2 * time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Controller{
		engine:          engine,
		flags:           flags,
		log:             log,
		gracefulTimeout: gracefulTimeout,
		pollInterval:    pollInterval,
		sigCh:           make(chan os.Signal, 2),
		state:           StateRunning,
	}
}

// Run blocks until a termination signal arrives and the shutdown sequence
// completes, then returns the terminal path taken. The caller tears the rest
// of the process down afterwards.
func (c *Controller) Run(ctx context.Context) State {
	signal.Notify(c.sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c.sigCh)

	select {
	case <-ctx.Done():
		c.state = StateTerminated
		return c.state
	case sig := <-c.sigCh:
		c.log.Info("termination signal received, starting graceful shutdown",
			zap.String("signal", sig.String()))
	}

	if c.runGraceful(ctx) {
		c.state = StateTerminated
		c.log.Info("graceful shutdown complete")
		return c.state
	}

	c.runEmergency(ctx)
	c.state = StateTerminated
	return c.state
}

// runGraceful blocks new entries and waits for open positions to close via
// their own protective orders and exit rules. Returns false when the wait is
// cut short by timeout or a second signal.
func (c *Controller) runGraceful(ctx context.Context) bool {
	c.state = StateGraceful
	c.engine.BlockEntries()

	if c.engine.OpenCount() == 0 {
		return true
	}
	deadline := time.NewTimer(c.gracefulTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(c.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-c.sigCh:
			c.log.Warn("second signal during graceful drain, escalating",
				zap.String("signal", sig.String()))
			return false
		case <-deadline.C:
			c.log.Warn("graceful timeout elapsed with positions still open",
				zap.Int("open", c.engine.OpenCount()))
			return false
		case <-poll.C:
			n := c.engine.OpenCount()
			if n == 0 {
				return true
			}
			c.log.Info("draining positions", zap.Int("open", n))
		}
	}
}

// runEmergency force-closes everything and raises the persisted flag so the
// next start will not silently re-adopt whatever is left on the exchange.
func (c *Controller) runEmergency(ctx context.Context) {
	c.state = StateEmergency
	c.log.Warn("emergency shutdown: force-closing all positions")

	if err := c.engine.CloseAll(ctx, "emergency shutdown"); err != nil {
		c.log.Error("emergency close-all finished with errors", zap.Error(err))
	}
	if err := c.flags.SetEmergencyFlag(ctx, "emergency shutdown"); err != nil {
		c.log.Error("persist emergency flag", zap.Error(err))
	}
}
