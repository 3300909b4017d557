// Package audiolink moves compressed audio frames across an unreliable
// datagram channel with real-time playback semantics: one RTP packet per
// frame, no retransmission, a small jitter buffer on receive, and silence
// substitution on underrun. Stale audio is worse than lost audio, so
// everything here favours constant low latency over completeness.
package audiolink

// InsertResult classifies what the jitter buffer did with a packet.
type InsertResult int

const (
	// Inserted means the packet was accepted and is pending playback.
	Inserted InsertResult = iota

	// Duplicate means the sequence number is already buffered.
	Duplicate

	// Stale means the sequence number is older than the playback cursor;
	// the tick for it has already run, so playing it now would reorder.
	Stale
)

// JitterBuffer is a small bounded queue of compressed frames ordered by RTP
// sequence number. It absorbs network reorder up to its depth and never
// releases a packet out of sequence order.
//
// Sequence arithmetic is uint16 wraparound-aware. The buffer is owned by a
// single Receiver; it is not synchronised.
type JitterBuffer struct {
	depth   int
	pending map[uint16][]byte

	cursor  uint16 // next sequence the playback tick expects
	started bool
}

// NewJitterBuffer creates a buffer holding at most depth frames; depth is
// also the out-of-order window in frames.
func NewJitterBuffer(depth int) *JitterBuffer {
	if depth < 1 {
		depth = 1
	}
	return &JitterBuffer{
		depth:   depth,
		pending: make(map[uint16][]byte, depth+1),
	}
}

// Insert files a received packet under its sequence number. The first
// packet of a stream seeds the playback cursor. Packets behind the cursor
// are rejected as Stale, repeated sequence numbers as Duplicate. If the
// buffer is over depth afterwards, the oldest pending frame is dropped —
// the gap will play as silence, bounding both memory and added latency.
func (b *JitterBuffer) Insert(seq uint16, payload []byte) InsertResult {
	if !b.started {
		b.started = true
		b.cursor = seq
	}

	if seqBefore(seq, b.cursor) {
		return Stale
	}
	if _, dup := b.pending[seq]; dup {
		return Duplicate
	}

	b.pending[seq] = payload

	for len(b.pending) > b.depth {
		delete(b.pending, b.oldest())
	}
	return Inserted
}

// Pop runs one playback tick: it removes and returns the frame at the
// cursor if present, and advances the cursor either way, so a packet
// arriving after its tick is Stale rather than played out of order.
// ok is false on underrun (the expected frame never arrived or arrived
// late). Before the first Insert there is no stream; Pop reports an
// underrun without advancing anything.
func (b *JitterBuffer) Pop() (payload []byte, ok bool) {
	if !b.started {
		return nil, false
	}
	payload, ok = b.pending[b.cursor]
	if ok {
		delete(b.pending, b.cursor)
	}
	b.cursor++
	return payload, ok
}

// Len reports how many frames are pending.
func (b *JitterBuffer) Len() int { return len(b.pending) }

// Started reports whether the stream has seen its first packet.
func (b *JitterBuffer) Started() bool { return b.started }

// oldest returns the pending sequence closest behind all others, i.e. the
// next one playback would reach.
func (b *JitterBuffer) oldest() uint16 {
	var oldest uint16
	first := true
	for seq := range b.pending {
		if first || seqBefore(seq, oldest) {
			oldest = seq
			first = false
		}
	}
	return oldest
}

// seqBefore reports whether a precedes b in uint16 wraparound order.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}
