package audio

import (
	"errors"
	"fmt"

	"layeh.com/gopus"
)

// ErrCorruptFrame is returned (wrapped) by [Framer.Decode] when a payload
// cannot be decoded. Callers substitute silence and keep the stream running;
// a single corrupt frame never terminates playback.
var ErrCorruptFrame = errors.New("corrupt audio frame")

// maxOpusPayload caps the encoded frame size handed to the encoder. Opus
// frames for speech at 20 ms are far smaller; anything near this bound on
// receive is suspect but still handed to the decoder.
const maxOpusPayload = 4000

// Framer converts fixed-size PCM frames to Opus payloads and back for one
// session. Frame size, sample rate and channel count are fixed at creation
// (shared configuration on both ends, nothing negotiated on the wire).
//
// A Framer owns stateful encoder/decoder instances and must not be shared
// across streams or goroutines.
type Framer struct {
	format    Format
	frameSize int

	enc *gopus.Encoder
	dec *gopus.Decoder
}

// NewFramer creates a Framer for the given stream format. frameSize is the
// number of samples per channel per frame and must be a valid Opus frame
// size for the sample rate (e.g. 960 at 48 kHz for 20 ms).
func NewFramer(format Format, frameSize int) (*Framer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("audio: invalid framer format %+v frame size %d", format, frameSize)
	}
	enc, err := gopus.NewEncoder(format.SampleRate, format.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &Framer{format: format, frameSize: frameSize, enc: enc, dec: dec}, nil
}

// Format returns the fixed PCM format of this framer.
func (f *Framer) Format() Format { return f.format }

// FrameSize returns the fixed samples-per-channel frame size.
func (f *Framer) FrameSize() int { return f.frameSize }

// Encode compresses exactly one PCM frame (little-endian int16, FrameBytes
// long) into an Opus payload. A partial or oversized frame is a caller error.
func (f *Framer) Encode(pcm []byte) ([]byte, error) {
	want := f.format.FrameBytes(f.frameSize)
	if len(pcm) != want {
		return nil, fmt.Errorf("audio: encode expects exactly %d PCM bytes, got %d", want, len(pcm))
	}
	payload, err := f.enc.Encode(BytesToInt16s(pcm), f.frameSize, maxOpusPayload)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return payload, nil
}

// Decode decompresses one Opus payload into a PCM frame. Malformed input
// yields an error wrapping [ErrCorruptFrame]; the caller should substitute
// [Format.Silence] and continue.
func (f *Framer) Decode(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("audio: empty payload: %w", ErrCorruptFrame)
	}
	pcm, err := f.dec.Decode(payload, f.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w: %v", ErrCorruptFrame, err)
	}
	return Int16sToBytes(pcm), nil
}
