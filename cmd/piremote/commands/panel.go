package commands

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/piremote/piremote/internal/config"
	"github.com/piremote/piremote/internal/failover"
	"github.com/piremote/piremote/internal/health"
	"github.com/piremote/piremote/internal/power"
	"github.com/piremote/piremote/internal/session"
	"github.com/piremote/piremote/pkg/audio"
	"github.com/piremote/piremote/pkg/gpio"
	"github.com/piremote/piremote/pkg/serialio"
)

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Run the front-panel process next to the control head",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPanel(cmd.Context())
	},
}

func runPanel(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, shutdownMetrics, err := setup(ctx, config.RolePanel)
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.Background())

	endpoints, err := failover.ParseEndpoints(cfg.Panel.Endpoints)
	if err != nil {
		return err
	}
	selector, err := failover.NewSelector(endpoints, failover.Options{
		MaxCycles: cfg.Panel.FailoverCycles,
		MinDwell:  cfg.Panel.MinDwell.Std(),
	})
	if err != nil {
		return err
	}

	// Devices are opened per session by the supervisor, so a yanked UART or
	// sound card only kills the current session.
	openPort := func() (serialio.Port, error) {
		return serialio.Open(cfg.Panel.SerialPort, cfg.Panel.SerialBaud)
	}
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	opener := session.NewAudioOpener(session.AudioConfig{
		Format:      format,
		FrameSize:   cfg.Audio.FrameSize,
		JitterDepth: cfg.Audio.JitterDepth,
		TxPort:      cfg.Panel.AudioTxPort,
		RxPort:      cfg.Panel.AudioRxPort,
		LossWindow:  cfg.Loss.Window.Std(),
	}, func() (audio.CaptureDevice, error) {
		return audio.OpenCapture(format, cfg.Audio.FrameSize)
	}, func() (audio.PlaybackDevice, error) {
		return audio.OpenPlayback(format, cfg.Audio.FrameSize)
	})

	sup := session.NewSupervisor(session.Config{
		ConnectTimeout:    cfg.Panel.ConnectTimeout.Std(),
		HeartbeatInterval: cfg.Panel.HeartbeatInterval.Std(),
		RetryDelay:        cfg.Panel.RetryDelay.Std(),
		Backoff:           cfg.Panel.Backoff.Std(),
		GracePeriod:       cfg.Panel.GracePeriod.Std(),
		DegradedRatio:     cfg.Loss.DegradedRatio,
	}, selector, openPort, opener)

	stopOps := serveOps(cfg.OpsAddr,
		health.BoolChecker("session", "no session established", sup.Ready))
	defer stopOps()

	if !cfg.Panel.Power.Enabled {
		err = sup.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	rail, err := gpio.OpenOutput(gpio.DefaultChip, cfg.Panel.Power.PowerPin)
	if err != nil {
		return err
	}
	defer rail.Close()
	button, err := gpio.OpenInput(gpio.DefaultChip, cfg.Panel.Power.ButtonPin)
	if err != nil {
		return err
	}
	defer button.Close()

	changes := make(chan session.StateChange, 16)
	sup.Notify(changes)

	ctrl := power.NewController(power.Config{
		MinHold:              cfg.Panel.Power.MinHold.Std(),
		CycleOnExhausted:     cfg.Panel.Power.CycleOnExhausted,
		MaxConsecutiveCloses: cfg.Panel.Power.MaxConsecutiveCloses,
	}, rail, button, changes, sup.Run)

	slog.Info("waiting for power button", "button_pin", cfg.Panel.Power.ButtonPin)
	err = ctrl.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
