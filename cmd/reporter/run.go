package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/septivank/packetmeter/internal/logging"
	"github.com/septivank/packetmeter/internal/reporter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reporting loop until interrupted",
	RunE:  runReporter,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runReporter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.NewFileLogger("packetmeter-reporter", logging.FileOptions{
		Level:      cfg.Log.Level,
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	loop, err := reporter.NewLoop(reporter.Options{
		API:        reporter.NewClient(cfg.ServerURL, cfg.DeviceToken, cfg.RequestTimeout),
		Collector:  reporter.NewInterfaceCollector(cfg.Interfaces),
		StatePath:  cfg.StateFile,
		Interval:   cfg.ReportInterval,
		IdleRetry:  cfg.IdleRetry,
		MaxBackoff: cfg.MaxBackoff,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("reporter started",
		zap.String("server", cfg.ServerURL),
		zap.Duration("interval", cfg.ReportInterval),
		zap.Strings("interfaces", cfg.Interfaces),
		zap.String("state_file", cfg.StateFile),
		zap.String("client", reporter.ClientTag()),
	)
	err = loop.Run(ctx)
	logger.Info("reporter stopped", zap.String("status", string(loop.Status())), zap.Int("pending_hours", loop.Pending()))
	return err
}
