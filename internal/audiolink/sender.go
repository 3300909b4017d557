package audiolink

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"

	"github.com/piremote/piremote/internal/observe"
)

// opusPayloadType is the RTP dynamic payload type conventionally used for
// Opus audio.
const opusPayloadType = 111

// Sender stamps encoded audio frames into RTP packets and transmits each
// one immediately. Sequence numbers increase by exactly one per packet and
// the RTP timestamp advances by the frame's sample count, so the receiver
// can distinguish loss from reordering without any further envelope.
//
// No batching, no retransmission: once a frame's tick has passed the frame
// is worthless.
type Sender struct {
	mu   sync.Mutex
	w    io.Writer
	seq  uint16
	ts   uint32
	ssrc uint32

	frameSize uint32
	stream    string
	metrics   *observe.Metrics
}

// NewSender creates a Sender writing datagrams to w (typically a connected
// UDP socket, or a swappable destination on the radio side). frameSize is
// the samples-per-channel advance per packet; stream tags metrics ("tx" or
// "rx").
func NewSender(w io.Writer, frameSize int, stream string) *Sender {
	return &Sender{
		w:         w,
		seq:       uint16(rand.Uint32()),
		ts:        rand.Uint32(),
		ssrc:      rand.Uint32(),
		frameSize: uint32(frameSize),
		stream:    stream,
		metrics:   observe.DefaultMetrics(),
	}
}

// Send transmits one encoded frame. Safe for concurrent use, though each
// stream has a single producer in practice.
func (s *Sender) Send(payload []byte) error {
	s.mu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.ts += s.frameSize
	s.mu.Unlock()

	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("audiolink: marshal packet: %w", err)
	}
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("audiolink: send packet: %w", err)
	}
	s.metrics.AudioPacketsSent.Add(context.Background(), 1, observe.WithStream(s.stream))
	return nil
}
