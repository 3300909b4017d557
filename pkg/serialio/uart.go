package serialio

import (
	"fmt"
	"sync/atomic"

	"go.bug.st/serial"
)

// uartPort adapts a hardware serial port to [Port]. The closed flag lets
// Read distinguish our own Close from a genuine device failure.
type uartPort struct {
	dev    serial.Port
	closed atomic.Bool
}

// Open opens the UART at path with the given baud rate, 8N1.
func Open(path string, baud int) (Port, error) {
	dev, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialio: open %s: %w", path, err)
	}
	return &uartPort{dev: dev}, nil
}

func (u *uartPort) Read(p []byte) (int, error) {
	for {
		n, err := u.dev.Read(p)
		if err != nil {
			if u.closed.Load() {
				return 0, ErrClosed
			}
			return 0, fmt.Errorf("serialio: read: %w", err)
		}
		// Some drivers return 0, nil on timeout; keep blocking semantics.
		if n > 0 {
			return n, nil
		}
		if u.closed.Load() {
			return 0, ErrClosed
		}
	}
}

func (u *uartPort) Write(p []byte) (int, error) {
	n, err := u.dev.Write(p)
	if err != nil {
		if u.closed.Load() {
			return n, ErrClosed
		}
		return n, fmt.Errorf("serialio: write: %w", err)
	}
	return n, nil
}

func (u *uartPort) Close() error {
	u.closed.Store(true)
	return u.dev.Close()
}
