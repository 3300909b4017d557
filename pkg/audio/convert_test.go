package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/piremote/piremote/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	stereo := audio.MonoToStereo(mono)
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 2 samples at 16kHz (1/3x)
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 16000)
	if got := bytesToSamples(out); len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestConverter_NoOp(t *testing.T) {
	f := audio.Format{SampleRate: 48000, Channels: 1}
	conv := &audio.Converter{Source: f, Target: f}
	pcm := samplesToBytes([]int16{100, 200})
	out := conv.Convert(pcm)
	// Same slice — pointer equality check.
	if &out[0] != &pcm[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestConverter_MonoToStereo(t *testing.T) {
	conv := &audio.Converter{
		Source: audio.Format{SampleRate: 48000, Channels: 1},
		Target: audio.Format{SampleRate: 48000, Channels: 2},
	}
	out := conv.Convert(samplesToBytes([]int16{100, 200, 300}))
	got := bytesToSamples(out)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestConverter_RateAndChannels(t *testing.T) {
	// 16000 Hz mono device into the 48000 Hz stereo wire format.
	conv := &audio.Converter{
		Source: audio.Format{SampleRate: 16000, Channels: 1},
		Target: audio.Format{SampleRate: 48000, Channels: 2},
	}
	out := conv.Convert(samplesToBytes([]int16{1000, 2000}))
	got := bytesToSamples(out)
	if len(got) != 12 {
		t.Fatalf("expected 12 samples (3x rate, 2x channels), got %d", len(got))
	}
	if got[0] != 1000 || got[1] != 1000 {
		t.Errorf("first stereo pair = %d/%d, want 1000/1000", got[0], got[1])
	}
}

func TestConverter_OddByteCount(t *testing.T) {
	conv := &audio.Converter{
		Source: audio.Format{SampleRate: 16000, Channels: 1},
		Target: audio.Format{SampleRate: 48000, Channels: 1},
	}
	if out := conv.Convert([]byte{1, 2, 3}); len(out) != 0 {
		t.Errorf("expected empty output for odd byte count, got %d bytes", len(out))
	}
}

func TestFormat_FrameHelpers(t *testing.T) {
	f := audio.Format{SampleRate: 48000, Channels: 1}
	if d := f.FrameDuration(960); d.Milliseconds() != 20 {
		t.Errorf("FrameDuration(960) = %v, want 20ms", d)
	}
	if n := f.FrameBytes(960); n != 1920 {
		t.Errorf("FrameBytes(960) = %d, want 1920", n)
	}
	silence := f.Silence(960)
	if len(silence) != 1920 {
		t.Fatalf("Silence length = %d, want 1920", len(silence))
	}
	for i, b := range silence {
		if b != 0 {
			t.Fatalf("silence byte %d = %d", i, b)
		}
	}
}
