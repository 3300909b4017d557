// Package commands implements the piremote CLI.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/piremote/piremote/internal/config"
	"github.com/piremote/piremote/internal/health"
	"github.com/piremote/piremote/internal/observe"
)

// version is stamped by the build via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "piremote",
	Short:         "Remote control head bridge for land-mobile radios",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.AddCommand(panelCmd, radioCmd, versionCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// setup performs the startup steps shared by both roles: config, logger,
// and the metrics provider. The returned shutdown flushes the provider.
func setup(ctx context.Context, role config.Role) (*config.Config, func(context.Context) error, error) {
	cfg, err := config.Load(configPath, role)
	if err != nil {
		return nil, nil, err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("piremote starting",
		"role", role,
		"config", configPath,
		"version", version,
		"log_level", cfg.LogLevel,
	)

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "piremote-" + string(role),
		ServiceVersion: version,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, shutdown, nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// serveOps starts the optional health/metrics listener and returns a stop
// function. A nil stop is returned when no address is configured.
func serveOps(addr string, checkers ...health.Checker) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	health.New(checkers...).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops listener failed", "addr", addr, "err", err)
		}
	}()
	slog.Info("ops listener up", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
