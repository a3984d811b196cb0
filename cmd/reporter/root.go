package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/septivank/packetmeter/internal/config"
	"github.com/septivank/packetmeter/internal/reporter"
)

var (
	flagServer    string
	flagToken     string
	flagStateFile string
	flagInterval  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "packetmeter-reporter",
	Short: "Report this device's network usage to a PacketMeter server",
	Long: `packetmeter-reporter reads the network interface counters of this
machine, accumulates them into hourly totals and submits them to the
PacketMeter server with the device token issued when the device was added.

Settings come from PACKETMETER_* environment variables (or a .env file);
flags override them.`,
	SilenceUsage: true,
	Version:      reporter.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Server base URL (PACKETMETER_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Device token (PACKETMETER_DEVICE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&flagStateFile, "state-file", "", "State file path (PACKETMETER_STATE_FILE)")
	rootCmd.PersistentFlags().DurationVar(&flagInterval, "interval", 0, "Report interval (PACKETMETER_REPORT_INTERVAL)")
}

// loadConfig reads the environment and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (*config.ReporterConfig, error) {
	cfg, err := config.LoadReporter()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = flagServer
	}
	if flags.Changed("token") {
		cfg.DeviceToken = flagToken
	}
	if flags.Changed("state-file") {
		cfg.StateFile = flagStateFile
	}
	if flags.Changed("interval") {
		if flagInterval <= 0 {
			return nil, fmt.Errorf("--interval must be positive")
		}
		cfg.ReportInterval = flagInterval
	}
	return cfg, nil
}
