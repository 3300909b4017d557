package audiolink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/piremote/piremote/pkg/audio"
)

// DuplexConfig configures a [Duplex] audio session.
type DuplexConfig struct {
	// Format and FrameSize define the on-wire codec framing. Devices may
	// use different formats; the pipelines convert.
	Format    audio.Format
	FrameSize int

	// JitterDepth is the reorder tolerance of the receive buffer, in frames.
	JitterDepth int

	Capture  audio.CaptureDevice
	Playback audio.PlaybackDevice

	// Tx receives encoded outbound datagrams (typically a connected UDP
	// socket). The Duplex does not close it.
	Tx io.Writer

	// Rx is the bound socket inbound datagrams arrive on. The Duplex owns
	// it and closes it on teardown.
	Rx net.PacketConn

	// TxStream and RxStream tag metrics for the two directions.
	TxStream string
	RxStream string

	PlaybackOpts PlaybackOptions
	ReceiverOpts []ReceiverOption
}

// Duplex runs both audio directions of a session: capture → encode → Tx and
// Rx → jitter buffer → decode → playback. Each direction gets its own codec
// state so the two goroutines never share mutable framer internals.
//
// A Duplex is single-use. Once [Duplex.Done] yields, close it and build a
// new one.
type Duplex struct {
	receiver *Receiver
	cancel   context.CancelFunc
	done     chan error
}

// StartDuplex builds the framers, sender and receiver from cfg and starts
// the two pipeline goroutines. Devices stay caller-owned; the receive
// socket becomes Duplex-owned.
func StartDuplex(ctx context.Context, cfg DuplexConfig) (*Duplex, error) {
	encFramer, err := audio.NewFramer(cfg.Format, cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("audiolink: duplex encode framer: %w", err)
	}
	decFramer, err := audio.NewFramer(cfg.Format, cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("audiolink: duplex decode framer: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	sender := NewSender(cfg.Tx, cfg.FrameSize, cfg.TxStream)
	receiver := NewReceiver(cfg.Rx, cfg.JitterDepth, cfg.RxStream, cfg.ReceiverOpts...)

	d := &Duplex{
		receiver: receiver,
		cancel:   cancel,
		done:     make(chan error, 1),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return RunCapture(gctx, cfg.Capture, encFramer, sender)
	})
	g.Go(func() error {
		return RunPlayback(gctx, receiver, decFramer, cfg.Playback, cfg.PlaybackOpts)
	})
	g.Go(func() error {
		// A dead receive socket would otherwise degrade into silent
		// playback forever.
		select {
		case <-receiver.Done():
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return errors.New("audiolink: receive socket closed")
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	go func() {
		d.done <- g.Wait()
	}()

	return d, nil
}

// Done yields the first fatal pipeline error, or the context error on
// orderly shutdown. Yields exactly once.
func (d *Duplex) Done() <-chan error { return d.done }

// Stats reports receive-side counters.
func (d *Duplex) Stats() Stats { return d.receiver.Stats() }

// Close cancels both pipelines and closes the receive socket. Safe to call
// more than once.
func (d *Duplex) Close() error {
	d.cancel()
	return d.receiver.Close()
}
