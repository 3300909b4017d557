package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which process half of the configuration must be complete.
type Role string

const (
	RolePanel Role = "panel"
	RoleRadio Role = "radio"
)

// Load reads the YAML configuration file at path and returns a [Config]
// validated for the given role. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string, role Role) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, role)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result for the given role. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader, role Role) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg, role); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 48000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = cfg.Audio.SampleRate * 20 / 1000
	}
	if cfg.Audio.JitterDepth == 0 {
		cfg.Audio.JitterDepth = 2
	}

	if cfg.Loss.Window == 0 {
		cfg.Loss.Window = Duration(5 * time.Second)
	}
	if cfg.Loss.DegradedRatio == 0 {
		cfg.Loss.DegradedRatio = 0.5
	}

	p := &cfg.Panel
	if p.AudioTxPort == 0 {
		p.AudioTxPort = 5001
	}
	if p.AudioRxPort == 0 {
		p.AudioRxPort = 5002
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = Duration(5 * time.Second)
	}
	if p.HeartbeatInterval == 0 {
		p.HeartbeatInterval = Duration(time.Second)
	}
	if p.MinDwell == 0 {
		p.MinDwell = Duration(2 * time.Second)
	}
	if p.RetryDelay == 0 {
		p.RetryDelay = Duration(2 * time.Second)
	}
	if p.Backoff == 0 {
		p.Backoff = Duration(10 * time.Second)
	}
	if p.GracePeriod == 0 {
		p.GracePeriod = Duration(30 * time.Second)
	}
	if p.SerialBaud == 0 {
		p.SerialBaud = 115200
	}
	if p.Power.PowerPin == 0 {
		p.Power.PowerPin = 27
	}
	if p.Power.ButtonPin == 0 {
		p.Power.ButtonPin = 17
	}
	if p.Power.MinHold == 0 {
		p.Power.MinHold = Duration(50 * time.Millisecond)
	}
	if p.Power.MaxConsecutiveCloses == 0 {
		p.Power.MaxConsecutiveCloses = 3
	}

	rd := &cfg.Radio
	if rd.ControlPort == 0 {
		rd.ControlPort = 5000
	}
	if rd.AudioTxPort == 0 {
		rd.AudioTxPort = 5001
	}
	if rd.AudioRxPort == 0 {
		rd.AudioRxPort = 5002
	}
	if rd.HeartbeatInterval == 0 {
		rd.HeartbeatInterval = Duration(time.Second)
	}
	if rd.RetryDelay == 0 {
		rd.RetryDelay = Duration(2 * time.Second)
	}
	if rd.SerialBaud == 0 {
		rd.SerialBaud = 115200
	}
}

// Validate checks that cfg contains a coherent set of values for the given
// role. It returns a joined error listing all validation failures found.
func Validate(cfg *Config, role Role) error {
	var errs []error

	if !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Shared audio block.
	a := cfg.Audio
	switch a.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not an Opus rate (8000/12000/16000/24000/48000)", a.SampleRate))
	}
	if a.Channels != 1 && a.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; must be 1 or 2", a.Channels))
	}
	if a.SampleRate > 0 && a.FrameSize > 0 {
		// Opus accepts 2.5/5/10/20/40/60 ms frames.
		ms := float64(a.FrameSize) * 1000 / float64(a.SampleRate)
		switch ms {
		case 2.5, 5, 10, 20, 40, 60:
		default:
			errs = append(errs, fmt.Errorf("audio.frame_size %d is %.1f ms at %d Hz; Opus requires 2.5/5/10/20/40/60 ms", a.FrameSize, ms, a.SampleRate))
		}
	}
	if a.JitterDepth < 1 || a.JitterDepth > 64 {
		errs = append(errs, fmt.Errorf("audio.jitter_depth %d is out of range [1, 64]", a.JitterDepth))
	}
	if a.JitterDepth > 8 {
		slog.Warn("audio.jitter_depth adds noticeable latency",
			"frames", a.JitterDepth,
			"added_latency", time.Duration(a.JitterDepth)*a.FrameDuration(),
		)
	}

	if cfg.Loss.DegradedRatio <= 0 || cfg.Loss.DegradedRatio > 1 {
		errs = append(errs, fmt.Errorf("loss.degraded_ratio %.2f is out of range (0, 1]", cfg.Loss.DegradedRatio))
	}

	switch role {
	case RolePanel:
		errs = append(errs, validatePanel(&cfg.Panel)...)
	case RoleRadio:
		errs = append(errs, validateRadio(&cfg.Radio)...)
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", role))
	}

	return errors.Join(errs...)
}

func validatePanel(p *PanelConfig) []error {
	var errs []error
	if len(p.Endpoints) == 0 {
		errs = append(errs, errors.New("panel.endpoints must list at least one radio unit"))
	}
	for i, ep := range p.Endpoints {
		if _, _, err := net.SplitHostPort(ep); err != nil {
			errs = append(errs, fmt.Errorf("panel.endpoints[%d] %q is not host:port: %w", i, ep, err))
		}
	}
	errs = append(errs, validatePort("panel.audio_tx_port", p.AudioTxPort)...)
	errs = append(errs, validatePort("panel.audio_rx_port", p.AudioRxPort)...)
	if p.AudioTxPort == p.AudioRxPort {
		errs = append(errs, fmt.Errorf("panel.audio_tx_port and panel.audio_rx_port are both %d; the streams must be independent", p.AudioTxPort))
	}
	if p.SerialPort == "" {
		errs = append(errs, errors.New("panel.serial_port is required"))
	}
	if p.HeartbeatInterval.Std() < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("panel.heartbeat_interval %s is too aggressive; minimum 100ms", p.HeartbeatInterval.Std()))
	}
	if p.FailoverCycles < 0 {
		errs = append(errs, fmt.Errorf("panel.failover_cycles %d must be >= 0 (0 = unlimited)", p.FailoverCycles))
	}
	return errs
}

func validateRadio(r *RadioConfig) []error {
	var errs []error
	errs = append(errs, validatePort("radio.control_port", r.ControlPort)...)
	errs = append(errs, validatePort("radio.audio_tx_port", r.AudioTxPort)...)
	errs = append(errs, validatePort("radio.audio_rx_port", r.AudioRxPort)...)
	if r.SerialPort == "" {
		errs = append(errs, errors.New("radio.serial_port is required"))
	}
	return errs
}

func validatePort(field string, port int) []error {
	if port < 1 || port > 65535 {
		return []error{fmt.Errorf("%s %d is out of range [1, 65535]", field, port)}
	}
	return nil
}
