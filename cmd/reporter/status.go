package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/septivank/packetmeter/internal/reporter"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last known reporting state from the state file",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusJSON, "json", "j", false, "Output the raw state as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	state, err := reporter.LoadState(cfg.StateFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	fmt.Fprintf(out, "Status:         %s\n", describe(state.Status))
	if state.LastError != "" {
		fmt.Fprintf(out, "Last error:     %s\n", state.LastError)
	}
	if state.LastSubmitAt != nil {
		fmt.Fprintf(out, "Last submitted: %s\n", state.LastSubmitAt.Local().Format(time.RFC1123))
	} else {
		fmt.Fprintln(out, "Last submitted: never")
	}
	fmt.Fprintf(out, "Pending hours:  %d\n", len(state.Pending))
	fmt.Fprintf(out, "Tracked:        %d interface(s)\n", len(state.Baselines))
	return nil
}

func describe(s reporter.Status) string {
	switch s {
	case reporter.StatusOK:
		return "reporting"
	case reporter.StatusPendingApproval:
		return "waiting for approval"
	case reporter.StatusUnauthorized:
		return "token rejected"
	case reporter.StatusOffline:
		return "server unreachable, retrying"
	case reporter.StatusNoToken:
		return "no device token configured"
	default:
		return string(s)
	}
}
