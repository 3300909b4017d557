// Package serialio defines the narrow serial byte source/sink interface the
// bridge core relays over the control link, plus an in-memory implementation
// for tests. The bytes themselves are the radio's own control protocol and
// are never interpreted here.
package serialio

import (
	"errors"
	"sync"
)

// ErrClosed is returned once a port has been closed.
var ErrClosed = errors.New("serialio: port closed")

// Port is a raw serial byte stream. Real implementations wrap a UART device;
// the bridge treats it as an opaque, order-preserving byte pipe.
type Port interface {
	// Read blocks until at least one byte is available and fills p, returning
	// the number of bytes read. Returns ErrClosed (possibly wrapped) after
	// Close, waking any blocked reader.
	Read(p []byte) (int, error)

	// Write sends len(p) bytes to the device in order.
	Write(p []byte) (int, error)

	Close() error
}

// Pipe returns two connected in-memory Ports: bytes written to one side are
// read from the other. Used in tests and loopback setups.
func Pipe() (Port, Port) {
	a := &pipePort{ch: make(chan byte, 4096), done: make(chan struct{})}
	b := &pipePort{ch: make(chan byte, 4096), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

type pipePort struct {
	ch   chan byte
	done chan struct{}
	peer *pipePort

	closeOnce sync.Once
}

func (p *pipePort) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	// Block for the first byte, then drain whatever else is ready.
	select {
	case b := <-p.ch:
		buf[0] = b
	case <-p.done:
		return 0, ErrClosed
	}
	n := 1
	for n < len(buf) {
		select {
		case b := <-p.ch:
			buf[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (p *pipePort) Write(buf []byte) (int, error) {
	for i, b := range buf {
		select {
		case p.peer.ch <- b:
		case <-p.done:
			return i, ErrClosed
		case <-p.peer.done:
			return i, ErrClosed
		}
	}
	return len(buf), nil
}

func (p *pipePort) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
