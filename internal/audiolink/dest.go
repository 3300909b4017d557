package audiolink

import (
	"net"
	"sync"
)

// SwappableDest is an io.Writer over an unconnected packet socket whose
// destination can be learned or replaced at runtime. The radio unit uses it
// to stream audio back to whichever panel last sent it audio, mirroring how
// the return path has always worked: the first inbound datagram names the
// peer.
type SwappableDest struct {
	conn net.PacketConn

	mu   sync.Mutex
	addr net.Addr
}

// NewSwappableDest wraps conn with no destination set; writes are dropped
// until [SwappableDest.SetAddr] is called.
func NewSwappableDest(conn net.PacketConn) *SwappableDest {
	return &SwappableDest{conn: conn}
}

// SetAddr sets or replaces the destination address.
func (d *SwappableDest) SetAddr(addr net.Addr) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

// Addr returns the current destination, or nil if none is known yet.
func (d *SwappableDest) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// Write implements io.Writer. With no destination the datagram is silently
// dropped — there is no panel to hear it.
func (d *SwappableDest) Write(p []byte) (int, error) {
	d.mu.Lock()
	addr := d.addr
	d.mu.Unlock()
	if addr == nil {
		return len(p), nil
	}
	return d.conn.WriteTo(p, addr)
}
