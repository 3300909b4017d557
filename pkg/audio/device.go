package audio

import "errors"

// ErrDeviceFailure marks a capture, playback, or serial device that has
// become unusable. Fatal to the current session; the process keeps retrying
// at the session level since the device may recover.
var ErrDeviceFailure = errors.New("audio device failure")

// CaptureDevice pulls fixed-size PCM frames from local audio hardware.
// Implementations wrap whatever the platform provides (ALSA, I2S codec,
// a loopback for tests); the bridge core only ever calls ReadFrame.
type CaptureDevice interface {
	// ReadFrame blocks until one full PCM frame is available and returns it.
	// The returned slice is owned by the caller. A device that has become
	// unusable returns an error; the session treats that as fatal.
	ReadFrame() ([]byte, error)

	// Format reports the PCM format the device delivers.
	Format() Format

	Close() error
}

// PlaybackDevice pushes fixed-size PCM frames to local audio hardware.
type PlaybackDevice interface {
	// WriteFrame plays one PCM frame. It may block for at most roughly one
	// frame duration (the device buffer absorbs jitter); longer stalls are
	// reported as errors.
	WriteFrame(pcm []byte) error

	// Format reports the PCM format the device expects.
	Format() Format

	Close() error
}
