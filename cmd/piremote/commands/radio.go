package commands

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/piremote/piremote/internal/config"
	"github.com/piremote/piremote/internal/control"
	"github.com/piremote/piremote/internal/health"
	"github.com/piremote/piremote/internal/radiounit"
	"github.com/piremote/piremote/pkg/audio"
	"github.com/piremote/piremote/pkg/serialio"
)

var radioCmd = &cobra.Command{
	Use:   "radio",
	Short: "Run the radio-unit process next to the transceiver body",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRadio(cmd.Context())
	},
}

func runRadio(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, shutdownMetrics, err := setup(ctx, config.RoleRadio)
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())

	// The server is rebuilt with fresh devices after a local failure, so
	// readiness reads through a pointer to whichever instance is current.
	var current atomic.Pointer[radiounit.Server]
	stopOps := serveOps(cfg.OpsAddr,
		health.BoolChecker("control", "control listener down", func() bool {
			srv := current.Load()
			return srv != nil && srv.Accepting()
		}))
	defer stopOps()

	for {
		err := runRadioUnit(ctx, cfg, &current)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		slog.Error("radio unit stopped, reopening devices",
			"err", err, "retry_delay", cfg.Radio.RetryDelay.Std())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Radio.RetryDelay.Std()):
		}
	}
}

// runRadioUnit opens the serial port and audio devices, serves until ctx is
// cancelled or something local fails, and releases everything it opened.
func runRadioUnit(ctx context.Context, cfg *config.Config, current *atomic.Pointer[radiounit.Server]) error {
	port, err := serialio.Open(cfg.Radio.SerialPort, cfg.Radio.SerialBaud)
	if err != nil {
		return err
	}
	bridge := control.NewSerialBridge(port)
	defer bridge.Close()

	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	capture, err := audio.OpenCapture(format, cfg.Audio.FrameSize)
	if err != nil {
		return err
	}
	defer capture.Close()
	playback, err := audio.OpenPlayback(format, cfg.Audio.FrameSize)
	if err != nil {
		return err
	}
	defer playback.Close()

	srv := radiounit.New(radiounit.Config{
		ControlPort:       cfg.Radio.ControlPort,
		AudioInPort:       cfg.Radio.AudioTxPort,
		AudioReturnPort:   cfg.Radio.AudioRxPort,
		HeartbeatInterval: cfg.Radio.HeartbeatInterval.Std(),
		Format:            format,
		FrameSize:         cfg.Audio.FrameSize,
		JitterDepth:       cfg.Audio.JitterDepth,
	}, bridge, capture, playback)
	current.Store(srv)

	return srv.Run(ctx)
}
