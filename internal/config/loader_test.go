package config

import (
	"strings"
	"testing"
	"time"
)

const minimalPanel = `
panel:
  endpoints: ["radio1:5000"]
  serial_port: /dev/ttyAMA0
`

const minimalRadio = `
radio:
  serial_port: /dev/ttyUSB0
`

func TestLoadFromReader_PanelDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalPanel), RolePanel)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", cfg.Audio.SampleRate)
	}
	if cfg.Audio.FrameSize != 960 {
		t.Errorf("FrameSize = %d, want 960 (20 ms at 48 kHz)", cfg.Audio.FrameSize)
	}
	if cfg.Audio.JitterDepth != 2 {
		t.Errorf("JitterDepth = %d, want 2", cfg.Audio.JitterDepth)
	}
	if got := cfg.Audio.FrameDuration(); got != 20*time.Millisecond {
		t.Errorf("FrameDuration = %v, want 20ms", got)
	}
	if cfg.Panel.AudioTxPort != 5001 || cfg.Panel.AudioRxPort != 5002 {
		t.Errorf("audio ports = %d/%d, want 5001/5002", cfg.Panel.AudioTxPort, cfg.Panel.AudioRxPort)
	}
	if cfg.Panel.ConnectTimeout.Std() != 5*time.Second {
		t.Errorf("ConnectTimeout = %v, want 5s", cfg.Panel.ConnectTimeout.Std())
	}
	if cfg.Panel.HeartbeatInterval.Std() != time.Second {
		t.Errorf("HeartbeatInterval = %v, want 1s", cfg.Panel.HeartbeatInterval.Std())
	}
	if cfg.Panel.RetryDelay.Std() != 2*time.Second {
		t.Errorf("RetryDelay = %v, want 2s", cfg.Panel.RetryDelay.Std())
	}
	if cfg.Panel.Power.PowerPin != 27 || cfg.Panel.Power.ButtonPin != 17 {
		t.Errorf("power pins = %d/%d, want 27/17", cfg.Panel.Power.PowerPin, cfg.Panel.Power.ButtonPin)
	}
	if cfg.Loss.DegradedRatio != 0.5 {
		t.Errorf("DegradedRatio = %v, want 0.5", cfg.Loss.DegradedRatio)
	}
}

func TestLoadFromReader_RadioDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalRadio), RoleRadio)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Radio.ControlPort != 5000 {
		t.Errorf("ControlPort = %d, want 5000", cfg.Radio.ControlPort)
	}
	if cfg.Radio.SerialBaud != 115200 {
		t.Errorf("SerialBaud = %d, want 115200", cfg.Radio.SerialBaud)
	}
	if cfg.Radio.RetryDelay.Std() != 2*time.Second {
		t.Errorf("RetryDelay = %v, want 2s", cfg.Radio.RetryDelay.Std())
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(minimalPanel+"  endpionts: []\n"), RolePanel)
	if err == nil {
		t.Fatal("misspelled field accepted")
	}
}

func TestLoadFromReader_DurationStrings(t *testing.T) {
	in := minimalPanel + `
  connect_timeout: 250ms
  grace_period: 1m
`
	cfg, err := LoadFromReader(strings.NewReader(in), RolePanel)
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Panel.ConnectTimeout.Std() != 250*time.Millisecond {
		t.Errorf("ConnectTimeout = %v, want 250ms", cfg.Panel.ConnectTimeout.Std())
	}
	if cfg.Panel.GracePeriod.Std() != time.Minute {
		t.Errorf("GracePeriod = %v, want 1m", cfg.Panel.GracePeriod.Std())
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	in := `
log_level: loud
audio:
  sample_rate: 44100
  frame_size: 1000
panel:
  endpoints: ["no-port"]
  audio_tx_port: 5001
  audio_rx_port: 5001
`
	_, err := LoadFromReader(strings.NewReader(in), RolePanel)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"sample_rate",
		"endpoints[0]",
		"audio_rx_port",
		"serial_port is required",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}

func TestValidate_FrameSizeMustBeOpusLegal(t *testing.T) {
	tests := []struct {
		rate, size int
		ok         bool
	}{
		{48000, 960, true},   // 20 ms
		{48000, 120, true},   // 2.5 ms
		{48000, 2880, true},  // 60 ms
		{16000, 320, true},   // 20 ms
		{48000, 1000, false}, // 20.8 ms
		{48000, 4800, false}, // 100 ms
	}
	for _, tt := range tests {
		cfg := &Config{}
		ApplyDefaults(cfg)
		cfg.Audio.SampleRate = tt.rate
		cfg.Audio.FrameSize = tt.size
		cfg.Panel.Endpoints = []string{"r:5000"}
		cfg.Panel.SerialPort = "/dev/ttyAMA0"

		err := Validate(cfg, RolePanel)
		if tt.ok && err != nil {
			t.Errorf("rate %d size %d rejected: %v", tt.rate, tt.size, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("rate %d size %d accepted", tt.rate, tt.size)
		}
	}
}

func TestValidate_HeartbeatFloor(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Panel.Endpoints = []string{"r:5000"}
	cfg.Panel.SerialPort = "/dev/ttyAMA0"
	cfg.Panel.HeartbeatInterval = Duration(10 * time.Millisecond)

	if err := Validate(cfg, RolePanel); err == nil {
		t.Fatal("10ms heartbeat accepted")
	}
}
