// Package audio provides the PCM/Opus boundary of the PiRemote bridge: the
// [Framer] codec, PCM format conversion helpers, and the narrow capture and
// playback device interfaces the transport layers consume.
//
// All PCM data in this package is little-endian interleaved int16 samples.
package audio

import "time"

// Default stream parameters. The control head audio path runs 48 kHz mono
// Opus at a 20 ms frame cadence unless configured otherwise.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 1
	// DefaultFrameSize is the number of samples per channel per 20 ms frame.
	DefaultFrameSize = DefaultSampleRate * 20 / 1000 // 960
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameDuration returns the wall-clock duration of one frame of frameSize
// samples per channel at the format's sample rate.
func (f Format) FrameDuration(frameSize int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frameSize) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes returns the byte length of one PCM frame of frameSize samples
// per channel (2 bytes per sample, channels interleaved).
func (f Format) FrameBytes(frameSize int) int {
	return frameSize * f.Channels * 2
}

// Silence returns a zeroed PCM frame of frameSize samples per channel.
// Used by the playback tick on underrun and after decode failures.
func (f Format) Silence(frameSize int) []byte {
	return make([]byte, f.FrameBytes(frameSize))
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
