package control

import (
	"errors"
	"fmt"
	"sync"

	"github.com/piremote/piremote/pkg/serialio"
)

// ErrSerialWrite marks a serial device write failure so callers can tell it
// apart from the link death that also ends [SerialBridge.WriteFrames].
var ErrSerialWrite = errors.New("control: serial write failed")

// SerialBridge pumps bytes from a local serial port into whichever control
// link is currently attached. The serial reader outlives individual links:
// on reconnect the owner swaps the target with [SerialBridge.SetLink] while
// the radio keeps talking, exactly like swapping the socket under a
// persistent serial reader. Bytes read while no link is attached are
// dropped — there is nobody to deliver them to.
//
// The reverse direction (link → serial) is per-link and short-lived, so it
// is just [SerialBridge.WriteFrames] run against each link in turn.
type SerialBridge struct {
	port serialio.Port

	mu   sync.Mutex
	link *Link

	errOnce sync.Once
	errCh   chan error
}

// NewSerialBridge creates a bridge around an open serial port and starts
// the persistent reader goroutine.
func NewSerialBridge(port serialio.Port) *SerialBridge {
	b := &SerialBridge{
		port:  port,
		errCh: make(chan error, 1),
	}
	go b.readLoop()
	return b
}

// SetLink attaches the link that subsequent serial bytes are relayed to,
// replacing any previous target.
func (b *SerialBridge) SetLink(l *Link) {
	b.mu.Lock()
	b.link = l
	b.mu.Unlock()
}

// ClearLink detaches the current link; serial bytes are dropped until the
// next SetLink.
func (b *SerialBridge) ClearLink() {
	b.SetLink(nil)
}

// DeviceErr delivers the serial device failure that terminated the reader,
// if any. At most one error is ever sent.
func (b *SerialBridge) DeviceErr() <-chan error { return b.errCh }

// Close stops the reader by closing the underlying port.
func (b *SerialBridge) Close() error {
	return b.port.Close()
}

// WriteFrames drains the link's received frames into the serial port. It
// returns when the link dies (with the link's fatal error) or a serial
// write fails. Run one per attached link.
func (b *SerialBridge) WriteFrames(l *Link) error {
	for frame := range l.Frames() {
		if _, err := b.port.Write(frame); err != nil {
			return fmt.Errorf("%w: %v", ErrSerialWrite, err)
		}
	}
	return l.Err()
}

func (b *SerialBridge) readLoop() {
	buf := make([]byte, MaxFrameLen)
	for {
		n, err := b.port.Read(buf)
		if err != nil {
			b.errOnce.Do(func() {
				b.errCh <- fmt.Errorf("control: serial read: %w", err)
			})
			return
		}
		if n == 0 {
			continue
		}

		b.mu.Lock()
		l := b.link
		b.mu.Unlock()
		if l == nil {
			continue
		}
		// A failed Send means the link died between swap and send; the
		// supervisor notices via the link's Done channel.
		_ = l.Send(buf[:n])
	}
}
