package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/septivank/packetmeter/internal/reporter"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Announce this device to the server and show its approval state",
	RunE:  runHealthcheck,
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client := reporter.NewClient(cfg.ServerURL, cfg.DeviceToken, cfg.RequestTimeout)
	if !client.HasToken() {
		return errors.New("no device token configured; set PACKETMETER_DEVICE_TOKEN or pass --token")
	}

	info, err := client.HealthCheck(cmd.Context())
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device:    %s (%s)\n", info.Name, info.ID)
	fmt.Fprintf(out, "Type:      %s\n", info.DeviceType)
	if info.IsActivated {
		fmt.Fprintln(out, "Status:    activated")
	} else {
		fmt.Fprintln(out, "Status:    waiting for approval in the PacketMeter dashboard")
	}
	return nil
}
