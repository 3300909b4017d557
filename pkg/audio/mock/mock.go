// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice] and [audio.PlaybackDevice] interfaces for unit tests.
//
// All mocks are safe for concurrent use. They record every frame written so
// that tests can assert on playback output, and they expose exported fields
// the test can set to control return values.
//
// Typical usage:
//
//	cap := mock.NewCapture(audio.Format{SampleRate: 48000, Channels: 1}, 960)
//	cap.Push(somePCMFrame)
//	frame, err := cap.ReadFrame()
package mock

import (
	"errors"
	"sync"

	"github.com/piremote/piremote/pkg/audio"
)

// ErrClosed is returned by mock devices after Close.
var ErrClosed = errors.New("mock audio device closed")

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.CaptureDevice]. ReadFrame pops
// frames queued with [Capture.Push]; when the queue is empty it returns a
// silence frame immediately, so capture-driven loops never stall in tests.
type Capture struct {
	mu     sync.Mutex
	format audio.Format
	size   int
	queue  [][]byte
	closed bool

	// ReadError, when set, is returned by every subsequent ReadFrame call.
	// Used to simulate a device failure mid-session.
	ReadError error

	// CallCountRead records how many times ReadFrame was called.
	CallCountRead int
}

// NewCapture creates a Capture delivering frames of frameSize samples per
// channel in the given format.
func NewCapture(format audio.Format, frameSize int) *Capture {
	return &Capture{format: format, size: frameSize}
}

// Push queues a frame for a later ReadFrame call.
func (c *Capture) Push(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, pcm)
}

// ReadFrame implements [audio.CaptureDevice].
func (c *Capture) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountRead++
	if c.closed {
		return nil, ErrClosed
	}
	if c.ReadError != nil {
		return nil, c.ReadError
	}
	if len(c.queue) > 0 {
		pcm := c.queue[0]
		c.queue = c.queue[1:]
		return pcm, nil
	}
	return c.format.Silence(c.size), nil
}

// Format implements [audio.CaptureDevice].
func (c *Capture) Format() audio.Format { return c.format }

// Close implements [audio.CaptureDevice].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.PlaybackDevice] that records
// every frame written.
type Playback struct {
	mu     sync.Mutex
	format audio.Format
	frames [][]byte
	closed bool

	// WriteError, when set, is returned by every subsequent WriteFrame call.
	WriteError error
}

// NewPlayback creates a Playback expecting frames in the given format.
func NewPlayback(format audio.Format) *Playback {
	return &Playback{format: format}
}

// WriteFrame implements [audio.PlaybackDevice]. The frame is copied, so the
// caller may reuse the slice.
func (p *Playback) WriteFrame(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.WriteError != nil {
		return p.WriteError
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.frames = append(p.frames, cp)
	return nil
}

// Frames returns a snapshot of all frames written so far.
func (p *Playback) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.frames))
	copy(out, p.frames)
	return out
}

// Format implements [audio.PlaybackDevice].
func (p *Playback) Format() audio.Format { return p.format }

// Close implements [audio.PlaybackDevice].
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
