// Package control relays opaque radio control frames between the
// front-panel and radio-unit processes over a single TCP stream.
//
// The wire format is a 2-byte big-endian length prefix followed by the
// frame payload. A zero-length frame is the heartbeat sentinel, sent
// whenever the link has been idle for one heartbeat interval, so wire
// silence is always distinguishable from a dead link. Frame contents are
// never inspected: the radio protocol is the radio's business.
//
// A Link is a pure transport. It reports a fatal error exactly once via
// [Link.Done]/[Link.Err] and never reconnects; retry and failover belong to
// the session supervisor.
package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piremote/piremote/internal/observe"
)

// MaxFrameLen is the largest control frame carried on the wire. Frames are
// never split or merged below this bound; a peer announcing a longer frame
// is treated as a protocol violation.
const MaxFrameLen = 1024

// headerLen is the size of the length prefix.
const headerLen = 2

// Defaults applied by [New] for zero Options fields.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultQueueDepth        = 64
)

var (
	// ErrLinkDead indicates the liveness timeout expired with no traffic,
	// real or heartbeat, from the peer.
	ErrLinkDead = errors.New("control: link dead (liveness timeout)")

	// ErrLinkClosed indicates the link was shut down deliberately.
	ErrLinkClosed = errors.New("control: link closed")

	// ErrFrameTooLarge is returned by Send for frames over MaxFrameLen.
	ErrFrameTooLarge = fmt.Errorf("control: frame exceeds %d bytes", MaxFrameLen)
)

// Options configures a [Link].
type Options struct {
	// HeartbeatInterval is the idle period after which a heartbeat frame is
	// sent. Defaults to DefaultHeartbeatInterval if zero.
	HeartbeatInterval time.Duration

	// LivenessTimeout declares the link dead when nothing is received for
	// this long. Defaults to 3× HeartbeatInterval if zero.
	LivenessTimeout time.Duration

	// QueueDepth bounds the outbound write queue. When the queue is full
	// the oldest undelivered frame is dropped rather than blocking the
	// producer. Defaults to DefaultQueueDepth if zero.
	QueueDepth int
}

// Link is one end of an established control stream. Safe for concurrent
// use: Send may be called from any goroutine while Frames is drained from
// another.
type Link struct {
	conn     net.Conn
	hb       time.Duration
	liveness time.Duration

	out  chan []byte
	in   chan []byte
	done chan struct{}
	live chan struct{}

	failOnce sync.Once
	liveOnce sync.Once
	errMu    sync.Mutex
	err      error

	dropped atomic.Uint64
	metrics *observe.Metrics
}

// Dial opens a control connection to a radio unit. The context bounds the
// dial only; liveness takes over once the link is up. TCP_NODELAY is set —
// control bytes are latency sensitive and tiny.
func Dial(ctx context.Context, addr string, opts Options) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection (dialed or accepted) in a Link and
// starts its read and write pumps.
func New(conn net.Conn, opts Options) *Link {
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	liveness := opts.LivenessTimeout
	if liveness <= 0 {
		liveness = 3 * hb
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	l := &Link{
		conn:     conn,
		hb:       hb,
		liveness: liveness,
		out:      make(chan []byte, depth),
		in:       make(chan []byte, depth),
		done:     make(chan struct{}),
		live:     make(chan struct{}),
		metrics:  observe.DefaultMetrics(),
	}
	go l.readLoop()
	go l.writeLoop()
	return l
}

// Send queues one frame for transmission. Best effort: when the outbound
// queue is full (peer not draining), the oldest queued frame is dropped and
// counted so fresher commands are never stalled behind stale ones. The
// frame is copied; the caller may reuse the slice.
func (l *Link) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	if len(frame) > MaxFrameLen {
		return ErrFrameTooLarge
	}
	select {
	case <-l.done:
		return l.Err()
	default:
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	for {
		select {
		case l.out <- cp:
			return nil
		default:
		}
		// Queue full: drop the oldest undelivered frame and retry.
		select {
		case <-l.out:
			l.dropped.Add(1)
			l.metrics.ControlQueueDrops.Add(context.Background(), 1)
		case <-l.done:
			return l.Err()
		default:
		}
	}
}

// Frames returns the channel of received control frames. Heartbeats are
// consumed internally and never appear here. The channel is closed when the
// link dies.
func (l *Link) Frames() <-chan []byte { return l.in }

// Established is closed as soon as the first frame or heartbeat arrives
// from the peer, confirming the path end to end.
func (l *Link) Established() <-chan struct{} { return l.live }

// Done is closed when the link has failed or been closed; Err reports why.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the fatal link error after Done is closed. It is
// [ErrLinkClosed] after a deliberate Close.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Dropped reports how many outbound frames were discarded by backpressure.
func (l *Link) Dropped() uint64 { return l.dropped.Load() }

// Close shuts the link down. The next I/O wait in each pump wakes with a
// closed status; Close never blocks on in-flight traffic.
func (l *Link) Close() error {
	l.fail(ErrLinkClosed)
	return nil
}

// fail records the first fatal error, closes done and tears down the
// connection so both pumps unblock.
func (l *Link) fail(err error) {
	l.failOnce.Do(func() {
		l.errMu.Lock()
		l.err = err
		l.errMu.Unlock()
		close(l.done)
		_ = l.conn.Close()
	})
}

// markLive closes the Established channel on first peer traffic.
func (l *Link) markLive() {
	l.liveOnce.Do(func() { close(l.live) })
}

func (l *Link) readLoop() {
	defer close(l.in)

	hdr := make([]byte, headerLen)
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(l.liveness)); err != nil {
			l.fail(fmt.Errorf("control: set read deadline: %w", err))
			return
		}
		if _, err := io.ReadFull(l.conn, hdr); err != nil {
			l.fail(classifyReadErr(err))
			return
		}
		l.markLive()

		n := binary.BigEndian.Uint16(hdr)
		if n == 0 {
			l.metrics.ControlHeartbeats.Add(context.Background(), 1, observe.WithDirection("received"))
			continue
		}
		if n > MaxFrameLen {
			l.fail(fmt.Errorf("control: peer announced %d byte frame (max %d)", n, MaxFrameLen))
			return
		}

		frame := make([]byte, n)
		if _, err := io.ReadFull(l.conn, frame); err != nil {
			l.fail(classifyReadErr(err))
			return
		}
		l.metrics.ControlFrames.Add(context.Background(), 1, observe.WithDirection("received"))

		select {
		case l.in <- frame:
		case <-l.done:
			return
		}
	}
}

func (l *Link) writeLoop() {
	ticker := time.NewTicker(l.hb)
	defer ticker.Stop()

	lastWrite := time.Now()
	for {
		select {
		case frame := <-l.out:
			if err := l.writeFrame(frame); err != nil {
				l.fail(fmt.Errorf("control: write frame: %w", err))
				return
			}
			l.metrics.ControlFrames.Add(context.Background(), 1, observe.WithDirection("sent"))
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < l.hb {
				continue
			}
			if err := l.writeFrame(nil); err != nil {
				l.fail(fmt.Errorf("control: write heartbeat: %w", err))
				return
			}
			l.metrics.ControlHeartbeats.Add(context.Background(), 1, observe.WithDirection("sent"))
			lastWrite = time.Now()
		case <-l.done:
			return
		}
	}
}

// writeFrame sends one length-prefixed frame. nil payload is the heartbeat.
// The write deadline matches the liveness timeout: a peer that cannot drain
// a 1 KiB frame in that time is as good as dead.
func (l *Link) writeFrame(frame []byte) error {
	if err := l.conn.SetWriteDeadline(time.Now().Add(l.liveness)); err != nil {
		return err
	}
	buf := make([]byte, headerLen+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(frame)))
	copy(buf[headerLen:], frame)
	_, err := l.conn.Write(buf)
	return err
}

// classifyReadErr maps read failures onto the link error taxonomy: a
// deadline expiry is the liveness timeout, everything else is surfaced
// as-is for the supervisor to treat as a transient link failure.
func classifyReadErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrLinkDead
	}
	return fmt.Errorf("control: read: %w", err)
}
