package audiolink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/pion/rtp"

	"github.com/piremote/piremote/internal/observe"
)

// Stats is a point-in-time snapshot of a receive stream's health counters.
type Stats struct {
	Received   uint64 // packets accepted into the jitter buffer
	Duplicates uint64
	Stale      uint64 // arrived after their playback tick
	Underruns  uint64 // ticks resolved with silence
	Played     uint64 // ticks resolved with a real frame
}

// Receiver reads audio datagrams from an unreliable channel into a jitter
// buffer. A separate playback loop calls [Receiver.Tick] at the frame
// cadence; the network side never touches the playback clock.
type Receiver struct {
	conn   net.PacketConn
	stream string
	onPeer func(net.Addr)

	mu    sync.Mutex
	jb    *JitterBuffer
	stats Stats
	peer  string

	done    chan struct{}
	metrics *observe.Metrics
}

// ReceiverOption customises a [Receiver].
type ReceiverOption func(*Receiver)

// WithPeerNotify registers a callback invoked whenever the sending peer's
// address changes (including the first packet). The radio unit uses this to
// learn where the panel lives so it can stream the return direction back.
func WithPeerNotify(fn func(net.Addr)) ReceiverOption {
	return func(r *Receiver) { r.onPeer = fn }
}

// NewReceiver creates a Receiver over conn with the given jitter depth and
// starts the reader goroutine. The Receiver owns conn and its jitter buffer
// exclusively.
func NewReceiver(conn net.PacketConn, jitterDepth int, stream string, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		conn:    conn,
		stream:  stream,
		jb:      NewJitterBuffer(jitterDepth),
		done:    make(chan struct{}),
		metrics: observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.readLoop()
	return r
}

// Tick runs one playback tick: it returns the expected frame if it arrived
// in time, or ok=false when the playback loop must substitute silence. The
// expected-sequence cursor advances either way. Before the first packet of
// the stream, Tick reports (nil, false) without counting an underrun — no
// audio is expected yet.
func (r *Receiver) Tick() (payload []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.jb.Started() {
		return nil, false
	}
	payload, ok = r.jb.Pop()
	if ok {
		r.stats.Played++
	} else {
		r.stats.Underruns++
		r.metrics.AudioUnderruns.Add(context.Background(), 1, observe.WithStream(r.stream))
		r.metrics.AudioPacketsLost.Add(context.Background(), 1, observe.WithStream(r.stream))
	}
	return payload, ok
}

// Started reports whether the stream has received its first packet.
func (r *Receiver) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jb.Started()
}

// Stats returns a snapshot of the stream health counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Done is closed when the reader goroutine exits (socket closed or fatal
// read error).
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Close shuts the receive socket; the reader's blocking read wakes and the
// goroutine exits.
func (r *Receiver) Close() error {
	return r.conn.Close()
}

func (r *Receiver) readLoop() {
	defer close(r.done)

	buf := make([]byte, 1500) // single MTU; one frame per datagram
	for {
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("audio receive error", "stream", r.stream, "err", err)
			}
			return
		}

		if r.onPeer != nil {
			r.mu.Lock()
			changed := r.peer != addr.String()
			if changed {
				r.peer = addr.String()
			}
			r.mu.Unlock()
			if changed {
				r.onPeer(addr)
			}
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.metrics.RecordDiscard(context.Background(), "malformed")
			continue
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		r.mu.Lock()
		res := r.jb.Insert(pkt.SequenceNumber, payload)
		switch res {
		case Inserted:
			r.stats.Received++
		case Duplicate:
			r.stats.Duplicates++
		case Stale:
			r.stats.Stale++
		}
		r.mu.Unlock()

		switch res {
		case Inserted:
			r.metrics.AudioPacketsReceived.Add(context.Background(), 1, observe.WithStream(r.stream))
		case Duplicate:
			r.metrics.RecordDiscard(context.Background(), "duplicate")
		case Stale:
			r.metrics.RecordDiscard(context.Background(), "stale")
		}
	}
}
