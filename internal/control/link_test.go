package control

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// peerWriteFrame sends one length-prefixed frame as a raw peer would.
func peerWriteFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[headerLen:], payload)
	if _, err := conn.Write(buf); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

// peerReadFrame reads one length-prefixed frame, skipping heartbeats.
func peerReadFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	hdr := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(conn, hdr); err != nil {
			t.Fatalf("peer read header: %v", err)
		}
		n := binary.BigEndian.Uint16(hdr)
		if n == 0 {
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("peer read payload: %v", err)
		}
		return payload
	}
}

func TestLink_FramesCrossIntact(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{HeartbeatInterval: 50 * time.Millisecond})
	defer link.Close()

	// Two frames sent back to back must arrive as two frames, never merged
	// or split.
	if err := link.Send([]byte("PTT ON")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := link.Send([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := peerReadFrame(t, theirs); string(got) != "PTT ON" {
		t.Errorf("first frame = %q, want %q", got, "PTT ON")
	}
	if got := peerReadFrame(t, theirs); string(got) != "\x01\x02" {
		t.Errorf("second frame = %q", got)
	}

	// And the other direction.
	peerWriteFrame(t, theirs, []byte("CH 7"))
	select {
	case got := <-link.Frames():
		if string(got) != "CH 7" {
			t.Errorf("received frame = %q, want %q", got, "CH 7")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

func TestLink_HeartbeatEstablishesButIsNotDelivered(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{HeartbeatInterval: 50 * time.Millisecond})
	defer link.Close()
	go io.Copy(io.Discard, theirs)

	select {
	case <-link.Established():
		t.Fatal("link established before any peer traffic")
	default:
	}

	if _, err := theirs.Write([]byte{0, 0}); err != nil {
		t.Fatalf("peer heartbeat: %v", err)
	}

	select {
	case <-link.Established():
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not establish the link")
	}

	select {
	case f := <-link.Frames():
		t.Fatalf("heartbeat surfaced as frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLink_LivenessTimeout(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{HeartbeatInterval: 20 * time.Millisecond})
	defer link.Close()

	// Peer drains our heartbeats but never speaks: the link must declare
	// death at the liveness timeout (3x heartbeat).
	go io.Copy(io.Discard, theirs)

	select {
	case <-link.Done():
		if !errors.Is(link.Err(), ErrLinkDead) {
			t.Fatalf("Err = %v, want ErrLinkDead", link.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("silent peer never triggered liveness timeout")
	}
}

func TestLink_SendRejectsOversizedFrame(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{})
	defer link.Close()
	go io.Copy(io.Discard, theirs)

	if err := link.Send(make([]byte, MaxFrameLen+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Send oversized: err = %v, want ErrFrameTooLarge", err)
	}
}

func TestLink_OversizedAnnouncementKillsLink(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{})
	defer link.Close()

	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint16(hdr, MaxFrameLen+1)
	if _, err := theirs.Write(hdr); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	select {
	case <-link.Done():
		if errors.Is(link.Err(), ErrLinkDead) || errors.Is(link.Err(), ErrLinkClosed) {
			t.Fatalf("Err = %v, want protocol violation", link.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("oversized announcement did not kill the link")
	}
}

func TestLink_BackpressureDropsOldest(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{QueueDepth: 4, HeartbeatInterval: time.Minute})
	defer link.Close()
	_ = theirs // peer never reads: the write pump stalls on frame one

	for i := 0; i < 10; i++ {
		if err := link.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	// 10 sends into a stalled pump with queue depth 4: at least half were
	// dropped, and the producer never blocked to find out.
	if d := link.Dropped(); d < 5 {
		t.Fatalf("Dropped = %d, want >= 5", d)
	}
}

func TestLink_CloseReportsErrLinkClosed(t *testing.T) {
	ours, theirs := net.Pipe()
	link := New(ours, Options{})
	go io.Copy(io.Discard, theirs)

	link.Close()
	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}
	if !errors.Is(link.Err(), ErrLinkClosed) {
		t.Fatalf("Err = %v, want ErrLinkClosed", link.Err())
	}
	if err := link.Send([]byte("x")); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("Send after Close: err = %v, want ErrLinkClosed", err)
	}

	// Frames closes so range-style consumers terminate.
	select {
	case _, open := <-link.Frames():
		if open {
			t.Fatal("Frames delivered data after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Frames not closed after Close")
	}
}
