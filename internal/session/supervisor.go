// Package session owns the lifecycle of the panel's connection to a radio
// unit: dialing the control link, bringing audio up once control is live,
// demoting to Degraded on partial failure, and walking the endpoint list
// when a session dies. Exactly one session exists at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/piremote/piremote/internal/control"
	"github.com/piremote/piremote/internal/failover"
	"github.com/piremote/piremote/internal/observe"
	"github.com/piremote/piremote/pkg/audio"
	"github.com/piremote/piremote/pkg/serialio"
)

// AudioLink is the supervisor's view of a running audio session. The
// concrete type is an [audiolink.Duplex] plus its sockets; tests substitute
// a stub.
type AudioLink interface {
	// Done yields the first fatal pipeline error, exactly once.
	Done() <-chan error

	// Close tears both directions down. Safe to call more than once.
	Close() error
}

// OpenAudioFunc builds and starts the audio sub-channel toward ep. The
// onLoss callback reports the receive loss ratio per rolling window and must
// not block.
type OpenAudioFunc func(ctx context.Context, ep failover.Endpoint, onLoss func(float64)) (AudioLink, error)

// OpenPortFunc opens the control-head serial device. Called once per
// session, so a device that recovers after a failure is picked up on the
// next attempt.
type OpenPortFunc func() (serialio.Port, error)

// Config carries the supervisor's timing knobs. All fields are required;
// config validation has already rejected zero values.
type Config struct {
	// ConnectTimeout bounds each control dial plus the wait for the first
	// heartbeat from the radio unit.
	ConnectTimeout time.Duration

	// HeartbeatInterval is passed through to the control link.
	HeartbeatInterval time.Duration

	// RetryDelay is the pause between session attempts, whatever killed the
	// previous one. Keeps an unreachable radio from being hammered.
	RetryDelay time.Duration

	// Backoff is how long to sleep after the endpoint list is exhausted
	// before starting over from the first endpoint.
	Backoff time.Duration

	// GracePeriod is how long a session must hold AudioEstablished before
	// the failover cycle counter and the reattempt budgets are forgiven.
	GracePeriod time.Duration

	// DegradedRatio is the receive loss ratio at or above which the session
	// demotes to Degraded and the audio sub-channel is rebuilt.
	DegradedRatio float64
}

// Supervisor drives the session state machine. Construct with
// [NewSupervisor], register observers with [Supervisor.Notify], then call
// [Supervisor.Run] once.
type Supervisor struct {
	cfg       Config
	selector  *failover.Selector
	openPort  OpenPortFunc
	openAudio OpenAudioFunc

	// dial is swapped out by tests.
	dial func(ctx context.Context, addr string) (*control.Link, error)

	mu       sync.Mutex
	state    State
	watchers []chan<- StateChange

	metrics *observe.Metrics
}

// NewSupervisor wires a supervisor over an endpoint selector, the serial
// port opener, and the audio opener for the panel's devices.
func NewSupervisor(cfg Config, sel *failover.Selector, openPort OpenPortFunc, openAudio OpenAudioFunc) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		selector:  sel,
		openPort:  openPort,
		openAudio: openAudio,
		metrics:   observe.DefaultMetrics(),
	}
	s.dial = func(ctx context.Context, addr string) (*control.Link, error) {
		return control.Dial(ctx, addr, control.Options{HeartbeatInterval: cfg.HeartbeatInterval})
	}
	return s
}

// Notify registers ch to receive every state transition. Sends are
// non-blocking: a slow observer misses transitions rather than stalling the
// state machine, so use a buffered channel. Exhaustion of the endpoint list
// is reported as an Idle→Idle change carrying [failover.ErrExhausted].
func (s *Supervisor) Notify(ch chan<- StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, ch)
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the session is fully healthy. The ops readiness
// endpoint keys off this.
func (s *Supervisor) Ready() bool {
	return s.State() == AudioEstablished
}

// Run executes the session loop until ctx is cancelled. No session failure
// escapes: transient network errors advance the endpoint selector, device
// failures end only the current session and the devices are reopened on the
// next attempt. Every death is paced by RetryDelay so a dead endpoint or a
// broken device is never hammered in a tight loop.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ep, err := s.selector.Next()
		if err != nil {
			if !errors.Is(err, failover.ErrExhausted) {
				return err
			}
			s.transition(ctx, Idle, failover.Endpoint{}, failover.ErrExhausted)
			slog.Warn("endpoint list exhausted, backing off", "backoff", s.cfg.Backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.Backoff):
			}
			s.selector.Reset()
			continue
		}

		err = s.runSession(ctx, ep)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, audio.ErrDeviceFailure) || errors.Is(err, errSerialDevice):
			slog.Error("device failure ended the session, reopening devices on next attempt",
				"endpoint", ep, "err", err)
		default:
			s.metrics.FailoverAdvances.Add(ctx, 1)
			slog.Info("session ended, trying next endpoint", "endpoint", ep, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// errSerialDevice marks serial port failures so Run can tell them apart
// from link deaths arriving on the same paths.
var errSerialDevice = errors.New("session: serial device failure")

// connectControl dials ep and waits for the radio unit's first heartbeat,
// both bounded by ConnectTimeout.
func (s *Supervisor) connectControl(ctx context.Context, ep failover.Endpoint) (*control.Link, error) {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	link, err := s.dial(dialCtx, ep.Addr())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("session: connect %s: %w", ep, err)
	}

	estTimer := time.NewTimer(s.cfg.ConnectTimeout)
	defer estTimer.Stop()
	select {
	case <-link.Established():
	case <-estTimer.C:
		link.Close()
		return nil, fmt.Errorf("session: %s: no heartbeat within %s", ep, s.cfg.ConnectTimeout)
	case <-link.Done():
		return nil, fmt.Errorf("session: %s: link died before establishment: %w", ep, link.Err())
	case <-ctx.Done():
		link.Close()
		return nil, ctx.Err()
	}

	s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.EndpointAttr(ep.Addr())))
	return link, nil
}

// runWriter relays link frames to the serial port on its own goroutine and
// hands the terminal error back on a fresh channel, one per link.
func runWriter(bridge *control.SerialBridge, link *control.Link) chan error {
	ch := make(chan error, 1)
	go func() { ch <- bridge.WriteFrames(link) }()
	return ch
}

// runSession drives one session against ep from dial to teardown and
// returns the cause of death. The state stays Connecting across failed
// dials, so walking the endpoint list is a single Connecting phase to
// observers. Teardown order is audio, then control.
func (s *Supervisor) runSession(ctx context.Context, ep failover.Endpoint) error {
	s.transition(ctx, Connecting, ep, nil)

	link, err := s.connectControl(ctx, ep)
	if err != nil {
		return err
	}

	port, err := s.openPort()
	if err != nil {
		link.Close()
		return fmt.Errorf("%w: open: %v", errSerialDevice, err)
	}
	bridge := control.NewSerialBridge(port)
	defer bridge.Close()

	s.transition(ctx, ControlEstablished, ep, nil)
	defer s.transition(ctx, Idle, ep, nil)

	bridge.SetLink(link)
	defer func() {
		bridge.ClearLink()
		link.Close()
	}()

	writeDone := runWriter(bridge, link)

	lossCh := make(chan float64, 1)
	onLoss := func(ratio float64) {
		if ratio < s.cfg.DegradedRatio {
			return
		}
		select {
		case lossCh <- ratio:
		default:
		}
	}

	al, err := s.openAudio(ctx, ep, onLoss)
	if err != nil {
		s.transition(ctx, Closing, ep, err)
		return fmt.Errorf("session: open audio %s: %w", ep, err)
	}
	defer func() {
		al.Close()
	}()

	s.transition(ctx, AudioEstablished, ep, nil)
	s.metrics.SessionActive.Add(ctx, 1)
	defer s.metrics.SessionActive.Add(ctx, -1)

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	audioRetried := false
	controlRetried := false

	for {
		select {
		case <-ctx.Done():
			s.transition(ctx, Closing, ep, nil)
			al.Close()
			return ctx.Err()

		case <-link.Done():
			cause := link.Err()
			link.Close()
			next, nextWrite, rerr := s.reattemptControl(ctx, ep, bridge, al, cause, &controlRetried)
			if rerr != nil {
				return rerr
			}
			link = next
			writeDone = nextWrite
			grace.Reset(s.cfg.GracePeriod)

		case err := <-writeDone:
			if !errors.Is(err, control.ErrSerialWrite) {
				// A link death; the link's own Done path reports it.
				continue
			}
			s.transition(ctx, Closing, ep, err)
			al.Close()
			return fmt.Errorf("%w: %v", errSerialDevice, err)

		case err := <-bridge.DeviceErr():
			s.transition(ctx, Closing, ep, err)
			al.Close()
			return fmt.Errorf("%w: read: %v", errSerialDevice, err)

		case err := <-al.Done():
			if ctx.Err() != nil {
				s.transition(ctx, Closing, ep, nil)
				al.Close()
				return ctx.Err()
			}
			if errors.Is(err, audio.ErrDeviceFailure) {
				s.transition(ctx, Closing, ep, err)
				al.Close()
				return fmt.Errorf("session: %s: %w", ep, err)
			}
			next, rerr := s.reattemptAudio(ctx, ep, al, onLoss, err, &audioRetried)
			if rerr != nil {
				return rerr
			}
			al = next
			grace.Reset(s.cfg.GracePeriod)

		case ratio := <-lossCh:
			cause := fmt.Errorf("session: %s: loss ratio %.2f over window", ep, ratio)
			next, rerr := s.reattemptAudio(ctx, ep, al, onLoss, cause, &audioRetried)
			if rerr != nil {
				return rerr
			}
			al = next
			grace.Reset(s.cfg.GracePeriod)

		case <-grace.C:
			slog.Info("session healthy past grace period, forgiving failover history",
				"endpoint", ep.Addr(), "grace", s.cfg.GracePeriod)
			s.selector.Reset()
			audioRetried = false
			controlRetried = false
		}
	}
}

// reattemptAudio handles audio-side degradation: the failing audio
// sub-channel is closed and rebuilt once while control stays up. A second
// incident before the grace period, or a failed rebuild, ends the session.
func (s *Supervisor) reattemptAudio(ctx context.Context, ep failover.Endpoint, old AudioLink, onLoss func(float64), cause error, retried *bool) (AudioLink, error) {
	s.transition(ctx, Degraded, ep, cause)
	old.Close()

	if *retried {
		s.transition(ctx, Closing, ep, cause)
		return nil, fmt.Errorf("session: %s: audio failed again after rebuild: %w", ep, cause)
	}
	*retried = true

	next, err := s.openAudio(ctx, ep, onLoss)
	if err != nil {
		s.transition(ctx, Closing, ep, err)
		return nil, fmt.Errorf("session: %s: audio rebuild: %w", ep, err)
	}
	s.transition(ctx, AudioEstablished, ep, nil)
	return next, nil
}

// reattemptControl handles control-side degradation: the dead link is
// replaced by one reconnection to the same endpoint while the audio
// sub-channel keeps running untouched. A second death before the grace
// period, or a failed reconnect, tears the session down (audio first).
func (s *Supervisor) reattemptControl(ctx context.Context, ep failover.Endpoint, bridge *control.SerialBridge, al AudioLink, cause error, retried *bool) (*control.Link, chan error, error) {
	s.transition(ctx, Degraded, ep, cause)
	bridge.ClearLink()

	if *retried {
		s.transition(ctx, Closing, ep, cause)
		al.Close()
		return nil, nil, fmt.Errorf("session: %s: control died again after reconnect: %w", ep, cause)
	}
	*retried = true

	link, err := s.connectControl(ctx, ep)
	if err != nil {
		if ctx.Err() != nil {
			s.transition(ctx, Closing, ep, nil)
			al.Close()
			return nil, nil, ctx.Err()
		}
		s.transition(ctx, Closing, ep, err)
		al.Close()
		return nil, nil, fmt.Errorf("session: %s: control reconnect: %w", ep, err)
	}

	bridge.SetLink(link)
	s.transition(ctx, AudioEstablished, ep, nil)
	return link, runWriter(bridge, link), nil
}

func (s *Supervisor) transition(ctx context.Context, to State, ep failover.Endpoint, cause error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	watchers := s.watchers
	s.mu.Unlock()

	if from != to {
		slog.Info("session state change",
			"from", from, "to", to, "endpoint", ep.Addr(), "err", cause)
	}
	s.metrics.RecordTransition(ctx, to.String())

	change := StateChange{From: from, To: to, Endpoint: ep, Err: cause}
	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
		}
	}
}
