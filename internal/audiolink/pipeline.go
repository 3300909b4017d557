package audiolink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/piremote/piremote/internal/observe"
	"github.com/piremote/piremote/pkg/audio"
)

// RunCapture pumps the local capture device through the encoder and out the
// sender until the context is cancelled or the device fails. The capture
// device paces the loop: hardware delivers one frame per cadence, so there
// is no timer on this side.
//
// A network send failure is logged and skipped; the receiver treats the
// missing frame like any other lost packet. A capture failure is fatal to
// the session and returned wrapped in [audio.ErrDeviceFailure].
func RunCapture(ctx context.Context, in audio.CaptureDevice, framer *audio.Framer, s *Sender) error {
	conv := &audio.Converter{Source: in.Format(), Target: framer.Format()}

	for {
		pcm, err := in.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("audiolink: capture: %w: %v", audio.ErrDeviceFailure, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pcm = conv.Convert(pcm)
		if len(pcm) == 0 {
			continue
		}

		payload, err := framer.Encode(pcm)
		if err != nil {
			slog.Warn("audio encode failed, frame dropped", "err", err)
			continue
		}
		if err := s.Send(payload); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			slog.Debug("audio send failed, frame lost", "err", err)
		}
	}
}

// PlaybackOptions configures [RunPlayback].
type PlaybackOptions struct {
	// LossWindow is the rolling window over which the loss ratio is
	// reported. Zero disables loss reporting.
	LossWindow time.Duration

	// OnLossRatio, when non-nil, is called with the lost/expected ratio at
	// the end of each completed window. Called from the playback goroutine;
	// keep it non-blocking.
	OnLossRatio func(ratio float64)
}

// RunPlayback drives the receive side at a fixed frame cadence: each tick
// pops the expected frame from the jitter buffer, decodes it, and writes it
// to the playback device, substituting silence on underrun or corrupt
// frames. Ticks are never stacked; a missed deadline plays whatever is
// available at the next tick, so latency cannot grow without bound.
//
// Returns when ctx is cancelled or on a playback device failure (wrapped in
// [audio.ErrDeviceFailure]). Network loss never terminates playback.
func RunPlayback(ctx context.Context, r *Receiver, framer *audio.Framer, out audio.PlaybackDevice, opts PlaybackOptions) error {
	cadence := framer.Format().FrameDuration(framer.FrameSize())
	silence := framer.Format().Silence(framer.FrameSize())
	conv := &audio.Converter{Source: framer.Format(), Target: out.Format()}
	metrics := observe.DefaultMetrics()

	var meter *lossMeter
	if opts.LossWindow > 0 && cadence > 0 {
		meter = newLossMeter(int(opts.LossWindow / cadence))
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !r.Started() {
			// No packet has arrived yet; nothing is expected, so stay
			// silent without counting underruns against the stream.
			continue
		}

		payload, ok := r.Tick()
		pcm := silence
		if ok {
			decoded, err := framer.Decode(payload)
			switch {
			case err == nil:
				pcm = decoded
			case errors.Is(err, audio.ErrCorruptFrame):
				metrics.DecodeFailures.Add(ctx, 1)
				slog.Debug("corrupt audio frame, substituting silence")
			default:
				metrics.DecodeFailures.Add(ctx, 1)
				slog.Warn("audio decode failed, substituting silence", "err", err)
			}
		}

		if meter != nil {
			if ratio, complete := meter.tick(ok); complete && opts.OnLossRatio != nil {
				opts.OnLossRatio(ratio)
			}
		}

		frame := conv.Convert(pcm)
		if len(frame) == 0 {
			continue
		}
		if err := out.WriteFrame(frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("audiolink: playback: %w: %v", audio.ErrDeviceFailure, err)
		}
	}
}

// lossMeter computes the lost/expected ratio over fixed windows of playback
// ticks.
type lossMeter struct {
	window int
	total  int
	missed int
}

func newLossMeter(windowTicks int) *lossMeter {
	if windowTicks < 1 {
		windowTicks = 1
	}
	return &lossMeter{window: windowTicks}
}

// tick records one playback tick. When a window completes it returns its
// loss ratio with complete=true and starts the next window.
func (m *lossMeter) tick(played bool) (ratio float64, complete bool) {
	m.total++
	if !played {
		m.missed++
	}
	if m.total < m.window {
		return 0, false
	}
	ratio = float64(m.missed) / float64(m.total)
	m.total = 0
	m.missed = 0
	return ratio, true
}
