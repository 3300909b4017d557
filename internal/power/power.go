// Package power ties the physical power button and the radio power rail to
// the session lifecycle: a button press toggles the rail and the session
// loop together, and persistent session failure can power-cycle the remote
// hardware to unwedge it.
package power

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/piremote/piremote/internal/failover"
	"github.com/piremote/piremote/internal/session"
	"github.com/piremote/piremote/pkg/gpio"
)

// defaultCycleHold is how long the rail stays low during a power cycle.
const defaultCycleHold = 2 * time.Second

// Runner is the long-running work the controller gates behind the power
// button, in practice [session.Supervisor.Run].
type Runner func(ctx context.Context) error

// Config tunes a [Controller].
type Config struct {
	// MinHold debounces the button: edges arriving within MinHold of the
	// last accepted press are ignored.
	MinHold time.Duration

	// CycleOnExhausted power-cycles the rail when the session loop reports
	// the endpoint list exhausted.
	CycleOnExhausted bool

	// MaxConsecutiveCloses power-cycles the rail after this many session
	// deaths without an intervening healthy session. 0 disables the policy.
	MaxConsecutiveCloses int

	// CycleHold is how long the rail stays low during a power cycle.
	// Defaults to 2s if zero.
	CycleHold time.Duration
}

// Controller owns the rail output and button input for the lifetime of
// [Controller.Run]. The session loop it starts gets a child context that is
// cancelled on power-off.
type Controller struct {
	cfg    Config
	rail   gpio.OutputPin
	button gpio.InputPin
	run    Runner

	// changes feeds session transitions into the power-cycle policy.
	changes <-chan session.StateChange
}

// NewController wires a controller. changes should be a buffered channel
// registered with the supervisor's Notify; it may be nil to disable the
// policy hooks.
func NewController(cfg Config, rail gpio.OutputPin, button gpio.InputPin, changes <-chan session.StateChange, run Runner) *Controller {
	if cfg.CycleHold <= 0 {
		cfg.CycleHold = defaultCycleHold
	}
	return &Controller{
		cfg:     cfg,
		rail:    rail,
		button:  button,
		run:     run,
		changes: changes,
	}
}

// Run processes button presses and session transitions until ctx is
// cancelled. On return the rail is driven low and any running session is
// stopped.
func (c *Controller) Run(ctx context.Context) error {
	var (
		cancel     context.CancelFunc
		runDone    chan error
		running    bool
		lastPress  time.Time
		deadCloses int
	)

	stop := func() {
		if !running {
			return
		}
		cancel()
		<-runDone
		running = false
	}

	for {
		select {
		case <-ctx.Done():
			stop()
			if err := c.rail.Set(false); err != nil {
				slog.Warn("rail deassert on shutdown failed", "err", err)
			}
			return ctx.Err()

		case rising, ok := <-c.button.Edges():
			if !ok {
				stop()
				return errors.New("power: button input closed")
			}
			if !rising {
				continue
			}
			now := time.Now()
			if now.Sub(lastPress) < c.cfg.MinHold {
				continue
			}
			lastPress = now

			if running {
				slog.Info("power button pressed, shutting session down")
				stop()
				if err := c.rail.Set(false); err != nil {
					slog.Warn("rail deassert failed", "err", err)
				}
				continue
			}

			slog.Info("power button pressed, powering radio on")
			if err := c.rail.Set(true); err != nil {
				slog.Error("rail assert failed", "err", err)
				continue
			}
			runCtx, runCancel := context.WithCancel(ctx)
			cancel = runCancel
			runDone = make(chan error, 1)
			done := runDone
			go func() {
				err := c.run(runCtx)
				if err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("session loop stopped", "err", err)
				}
				done <- err
			}()
			running = true
			deadCloses = 0

		case err := <-c.runDoneCh(running, runDone):
			// The session loop quit on its own (device failure). Drop the
			// rail so the next press starts clean.
			running = false
			cancel()
			if derr := c.rail.Set(false); derr != nil {
				slog.Warn("rail deassert failed", "err", derr)
			}
			slog.Warn("session loop exited, radio powered off", "err", err)

		case ch, ok := <-c.changesCh():
			if !ok {
				c.changes = nil
				continue
			}
			switch {
			case ch.To == session.AudioEstablished:
				deadCloses = 0
			case ch.To == session.Closing && ch.Err != nil:
				deadCloses++
			}

			if !running {
				continue
			}
			exhausted := errors.Is(ch.Err, failover.ErrExhausted)
			tooManyCloses := c.cfg.MaxConsecutiveCloses > 0 && deadCloses >= c.cfg.MaxConsecutiveCloses
			if (exhausted && c.cfg.CycleOnExhausted) || tooManyCloses {
				deadCloses = 0
				c.cycleRail(ctx)
			}
		}
	}
}

// runDoneCh gates the runner-exit case: when no session is running the
// returned nil channel blocks forever.
func (c *Controller) runDoneCh(running bool, done chan error) <-chan error {
	if !running {
		return nil
	}
	return done
}

func (c *Controller) changesCh() <-chan session.StateChange {
	return c.changes
}

// cycleRail drops the rail, holds, and reasserts it. The session loop keeps
// running; the next connect attempt finds freshly booted hardware.
func (c *Controller) cycleRail(ctx context.Context) {
	slog.Warn("power-cycling radio rail", "hold", c.cfg.CycleHold)
	if err := c.rail.Set(false); err != nil {
		slog.Error("rail deassert failed", "err", err)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(c.cfg.CycleHold):
	}
	if err := c.rail.Set(true); err != nil {
		slog.Error("rail reassert failed", "err", err)
	}
}
