// Package config provides the configuration schema, loader, and validation
// for the PiRemote bridge. One YAML file describes both process roles; each
// role reads only its own section plus the shared blocks.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a time.Duration that unmarshals from YAML strings like "20ms"
// or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure. It is loaded from a YAML file
// using [Load] or [LoadFromReader] and never mutated afterwards: sessions
// take an immutable snapshot at start.
type Config struct {
	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`

	// OpsAddr is an optional TCP address for the health/metrics HTTP
	// listener (e.g. ":9090"). Empty disables the listener.
	OpsAddr string `yaml:"ops_addr"`

	Audio AudioConfig `yaml:"audio"`
	Loss  LossConfig  `yaml:"loss"`
	Panel PanelConfig `yaml:"panel"`
	Radio RadioConfig `yaml:"radio"`
}

// AudioConfig fixes the PCM/Opus stream parameters for both ends. The values
// are never negotiated on the wire, so both processes must load the same
// block.
type AudioConfig struct {
	// SampleRate in Hz. Default: 48000.
	SampleRate int `yaml:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo. Default: 1.
	Channels int `yaml:"channels"`

	// FrameSize is samples per channel per frame. Default: 960 (20 ms at
	// 48 kHz). Must be a valid Opus frame size for the sample rate.
	FrameSize int `yaml:"frame_size"`

	// JitterDepth is the receive reorder window in frames. Packets arriving
	// later than this are treated as lost. Default: 2.
	JitterDepth int `yaml:"jitter_depth"`
}

// FrameDuration returns the wall-clock cadence of one audio frame.
func (a AudioConfig) FrameDuration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.FrameSize) * time.Second / time.Duration(a.SampleRate)
}

// LossConfig tunes when sustained audio loss degrades a session.
type LossConfig struct {
	// Window is the rolling window over which the loss ratio is computed.
	// Default: 5s.
	Window Duration `yaml:"window"`

	// DegradedRatio is the lost/expected packet ratio above which the
	// session enters Degraded. Default: 0.5.
	DegradedRatio float64 `yaml:"degraded_ratio"`
}

// PanelConfig configures the front-panel process (the side near the
// operator).
type PanelConfig struct {
	// Endpoints is the ordered list of candidate radio units as host:port
	// control addresses. Tried in order with wraparound on failure.
	Endpoints []string `yaml:"endpoints"`

	// AudioTxPort is the radio-unit UDP port for operator→radio audio.
	// Default: 5001.
	AudioTxPort int `yaml:"audio_tx_port"`

	// AudioRxPort is the local UDP port radio→operator audio arrives on.
	// Default: 5002.
	AudioRxPort int `yaml:"audio_rx_port"`

	// ConnectTimeout bounds each control connection attempt. Default: 5s.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// HeartbeatInterval is the idle-link heartbeat period; the liveness
	// timeout is three times this. Default: 1s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// FailoverCycles caps full passes through the endpoint list before the
	// selector reports exhaustion. 0 means unlimited. Default: 0.
	FailoverCycles int `yaml:"failover_cycles"`

	// MinDwell is the minimum time the selector stays on an endpoint before
	// it may advance again. Guards against flapping endpoints. Default: 2s.
	MinDwell Duration `yaml:"min_dwell"`

	// RetryDelay is the pause between session attempts: after a failed dial,
	// a dead session, or a device failure. Default: 2s.
	RetryDelay Duration `yaml:"retry_delay"`

	// Backoff is the sleep after endpoint exhaustion before retrying the
	// whole list. Default: 10s.
	Backoff Duration `yaml:"backoff"`

	// GracePeriod is how long a session must stay healthy before failover
	// cycle counters reset. Default: 30s.
	GracePeriod Duration `yaml:"grace_period"`

	// SerialPort is the control-head UART device path.
	SerialPort string `yaml:"serial_port"`

	// SerialBaud is the UART baud rate. Default: 115200.
	SerialBaud int `yaml:"serial_baud"`

	Power PowerConfig `yaml:"power"`
}

// PowerConfig configures the physical power button and rail handling.
type PowerConfig struct {
	// Enabled turns the power controller on. When false the session is
	// started immediately at process start and no GPIO is touched.
	Enabled bool `yaml:"enabled"`

	// PowerPin is the BCM number of the power-rail output. Default: 27.
	PowerPin int `yaml:"gpio_power_pin"`

	// ButtonPin is the BCM number of the power-button input. Default: 17.
	ButtonPin int `yaml:"gpio_button_pin"`

	// MinHold is the debounce hold time a button edge must survive to count
	// as a press. Default: 50ms.
	MinHold Duration `yaml:"min_hold"`

	// CycleOnExhausted, when true, power-cycles the rail after endpoint
	// exhaustion or MaxConsecutiveCloses session teardowns. Policy hook;
	// default false.
	CycleOnExhausted bool `yaml:"cycle_on_exhausted"`

	// MaxConsecutiveCloses is the teardown count that triggers the
	// power-cycle policy. Default: 3.
	MaxConsecutiveCloses int `yaml:"max_consecutive_closes"`
}

// RadioConfig configures the radio-unit process (the side next to the
// transceiver body).
type RadioConfig struct {
	// ControlPort is the TCP port the control bridge listens on.
	// Default: 5000.
	ControlPort int `yaml:"control_port"`

	// AudioTxPort is the local UDP port operator→radio audio arrives on.
	// Default: 5001.
	AudioTxPort int `yaml:"audio_tx_port"`

	// AudioRxPort is the panel UDP port radio→operator audio is sent to.
	// Default: 5002.
	AudioRxPort int `yaml:"audio_rx_port"`

	// HeartbeatInterval mirrors the panel's heartbeat settings. Default: 1s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// RetryDelay is the pause before the listener and devices are reopened
	// after a local failure. Default: 2s.
	RetryDelay Duration `yaml:"retry_delay"`

	// SerialPort is the transceiver UART device path.
	SerialPort string `yaml:"serial_port"`

	// SerialBaud is the UART baud rate. Default: 115200.
	SerialBaud int `yaml:"serial_baud"`
}
