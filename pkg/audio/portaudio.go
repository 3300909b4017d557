package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var paInit sync.Once

func initPortAudio() error {
	var err error
	paInit.Do(func() {
		err = portaudio.Initialize()
	})
	return err
}

// PACapture is a [CaptureDevice] over the default PortAudio input stream.
type PACapture struct {
	stream *portaudio.Stream
	buf    []int16
	format Format
}

// OpenCapture opens the default input device delivering frameSize samples
// per channel per ReadFrame.
func OpenCapture(format Format, frameSize int) (*PACapture, error) {
	if err := initPortAudio(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}
	c := &PACapture{
		buf:    make([]int16, frameSize*format.Channels),
		format: format,
	}
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), frameSize, c.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open capture: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start capture: %w", err)
	}
	c.stream = stream
	return c, nil
}

// ReadFrame blocks until the hardware has produced one frame.
func (c *PACapture) ReadFrame() ([]byte, error) {
	if err := c.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: capture read: %w", err)
	}
	return Int16sToBytes(c.buf), nil
}

// Format implements [CaptureDevice].
func (c *PACapture) Format() Format { return c.format }

// Close stops and releases the stream.
func (c *PACapture) Close() error {
	c.stream.Stop()
	return c.stream.Close()
}

// PAPlayback is a [PlaybackDevice] over the default PortAudio output stream.
type PAPlayback struct {
	stream *portaudio.Stream
	buf    []int16
	format Format
}

// OpenPlayback opens the default output device consuming frameSize samples
// per channel per WriteFrame.
func OpenPlayback(format Format, frameSize int) (*PAPlayback, error) {
	if err := initPortAudio(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}
	p := &PAPlayback{
		buf:    make([]int16, frameSize*format.Channels),
		format: format,
	}
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), frameSize, p.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open playback: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("audio: start playback: %w", err)
	}
	p.stream = stream
	return p, nil
}

// WriteFrame queues one PCM frame on the output device. Short or oversized
// frames are truncated or zero-padded to the stream's frame length.
func (p *PAPlayback) WriteFrame(pcm []byte) error {
	samples := BytesToInt16s(pcm)
	n := copy(p.buf, samples)
	for i := n; i < len(p.buf); i++ {
		p.buf[i] = 0
	}
	if err := p.stream.Write(); err != nil {
		return fmt.Errorf("audio: playback write: %w", err)
	}
	return nil
}

// Format implements [PlaybackDevice].
func (p *PAPlayback) Format() Format { return p.format }

// Close stops and releases the stream.
func (p *PAPlayback) Close() error {
	p.stream.Stop()
	return p.stream.Close()
}
