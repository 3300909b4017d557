// Package radiounit is the gateway process next to the radio hardware. It
// accepts one panel's control link at a time, relays serial bytes both
// ways, and streams radio audio back to whichever panel is sending operator
// audio.
package radiounit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/piremote/piremote/internal/audiolink"
	"github.com/piremote/piremote/internal/control"
	"github.com/piremote/piremote/pkg/audio"
)

// acceptRetryDelay is the pause after a transient accept failure.
const acceptRetryDelay = time.Second

// Config carries the radio side's ports and framing.
type Config struct {
	// ControlPort is the TCP port panels dial for serial control.
	ControlPort int

	// AudioInPort is the UDP port operator audio arrives on. AudioReturnPort
	// is the port on the panel the radio's audio is streamed back to.
	AudioInPort     int
	AudioReturnPort int

	HeartbeatInterval time.Duration

	Format      audio.Format
	FrameSize   int
	JitterDepth int
}

// Server runs the radio unit's accept loop and audio pipelines. The serial
// bridge and audio devices stay open across panel sessions; only the
// control link comes and goes.
type Server struct {
	cfg    Config
	bridge *control.SerialBridge

	capture  audio.CaptureDevice
	playback audio.PlaybackDevice

	mu        sync.Mutex
	link      *control.Link
	accepting atomic.Bool
	ctrlAddr  atomic.Value // net.Addr

	// writeErr surfaces serial write failures from the per-link relay
	// goroutine. Buffered once; later failures are duplicates.
	writeErr chan error
}

// New wires a server over an already-open serial bridge and audio devices.
func New(cfg Config, bridge *control.SerialBridge, capture audio.CaptureDevice, playback audio.PlaybackDevice) *Server {
	return &Server{
		cfg:      cfg,
		bridge:   bridge,
		capture:  capture,
		playback: playback,
		writeErr: make(chan error, 1),
	}
}

// Serving reports whether a panel control link is currently live.
func (s *Server) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Accepting reports whether the control listener is up. The ops readiness
// endpoint keys off this.
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// ControlAddr returns the bound control listener address, or nil before
// Run has opened it. Lets callers configure ControlPort 0.
func (s *Server) ControlAddr() net.Addr {
	addr, _ := s.ctrlAddr.Load().(net.Addr)
	return addr
}

// Run listens and serves until ctx is cancelled or a local device fails.
// Audio starts immediately, before any panel connects: the return stream
// simply has nowhere to go until the first operator datagram names the
// panel, the same way the serial reader idles until a link is attached.
//
// Shutdown order is audio, then control.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", s.cfg.ControlPort))
	if err != nil {
		return fmt.Errorf("radiounit: control listen: %w", err)
	}
	s.ctrlAddr.Store(ln.Addr())
	s.accepting.Store(true)
	defer s.accepting.Store(false)

	rx, err := net.ListenPacket("udp", fmt.Sprintf(":%d", s.cfg.AudioInPort))
	if err != nil {
		ln.Close()
		return fmt.Errorf("radiounit: audio listen: %w", err)
	}
	tx, err := net.ListenPacket("udp", ":0")
	if err != nil {
		ln.Close()
		rx.Close()
		return fmt.Errorf("radiounit: audio return socket: %w", err)
	}
	defer tx.Close()

	dest := audiolink.NewSwappableDest(tx)
	onPeer := func(addr net.Addr) {
		udp, ok := addr.(*net.UDPAddr)
		if !ok {
			return
		}
		ret := &net.UDPAddr{IP: udp.IP, Zone: udp.Zone, Port: s.cfg.AudioReturnPort}
		dest.SetAddr(ret)
		slog.Info("panel audio peer learned", "panel", udp.IP, "return", ret)
	}

	duplex, err := audiolink.StartDuplex(ctx, audiolink.DuplexConfig{
		Format:       s.cfg.Format,
		FrameSize:    s.cfg.FrameSize,
		JitterDepth:  s.cfg.JitterDepth,
		Capture:      s.capture,
		Playback:     s.playback,
		Tx:           dest,
		Rx:           rx,
		TxStream:     "tx",
		RxStream:     "rx",
		ReceiverOpts: []audiolink.ReceiverOption{audiolink.WithPeerNotify(onPeer)},
	})
	if err != nil {
		ln.Close()
		rx.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Unblock Accept and the pipelines when anything else fails.
		<-gctx.Done()
		s.closeLink()
		duplex.Close()
		ln.Close()
		return gctx.Err()
	})
	g.Go(func() error {
		err := <-duplex.Done()
		if gctx.Err() != nil {
			return gctx.Err()
		}
		return fmt.Errorf("radiounit: audio: %w", err)
	})
	g.Go(func() error {
		select {
		case err := <-s.bridge.DeviceErr():
			return err
		case err := <-s.writeErr:
			return err
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			slog.Warn("accept failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		if !s.adopt(conn) {
			slog.Warn("refusing concurrent panel connection", "remote", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// adopt promotes conn to the live control link if no link is live. Returns
// false when a panel is already being served.
func (s *Server) adopt(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return false
	}

	link := control.New(conn, control.Options{HeartbeatInterval: s.cfg.HeartbeatInterval})
	s.link = link
	s.bridge.SetLink(link)
	slog.Info("panel connected", "remote", conn.RemoteAddr())

	go s.serve(link, conn.RemoteAddr())
	return true
}

// serve relays frames for one link until it dies, then detaches it so the
// next panel can connect.
func (s *Server) serve(link *control.Link, remote net.Addr) {
	err := s.bridge.WriteFrames(link)
	if errors.Is(err, control.ErrSerialWrite) {
		// Local device failure, not a link death. Fatal to the server.
		select {
		case s.writeErr <- err:
		default:
		}
	}

	s.mu.Lock()
	if s.link == link {
		s.link = nil
		s.bridge.ClearLink()
	}
	s.mu.Unlock()
	link.Close()
	slog.Info("panel disconnected", "remote", remote, "err", link.Err())
}

func (s *Server) closeLink() {
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link != nil {
		link.Close()
	}
}
