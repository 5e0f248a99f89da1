package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/telemetry"
	"github.com/pulsechat/filecore/pkg/config"
	"github.com/pulsechat/filecore/pkg/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the filecore server",
	Long: `Start the filecore server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/filecore/config.yaml.

Examples:
  # Start with default config location
  filecore start

  # Start with custom config file
  filecore start --config /etc/filecore/config.yaml

  # Start with environment variable overrides
  FILECORE_LOGGING_LEVEL=DEBUG filecore start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// The context ends on SIGINT or SIGTERM; everything below hangs off it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "filecore",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "filecore",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("filecore starting",
		"version", Version,
		"log_level", cfg.Logging.Level,
		"telemetry", telemetry.IsEnabled(),
		"profiling", telemetry.IsProfilingEnabled())

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("filecore stopped gracefully")
	return nil
}
