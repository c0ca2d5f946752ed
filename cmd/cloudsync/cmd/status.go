package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudsync/cloudsync/pkg/monitorui"
)

var statusUseTUI bool
var statusRefresh time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a read-only health snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}

		if statusUseTUI {
			return monitorui.Run(e.Monitor, statusRefresh)
		}

		snap, err := e.Monitor.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "supervisor running: %v (last heartbeat %s)\n", snap.SupervisorRunning, snap.LastHeartbeatHuman)
		fmt.Fprintf(out, "%d sources, %d with errors in the last 24h, %s stored total\n",
			snap.TotalSources, snap.SourcesWithErrors, snap.TotalBytesHuman)
		fmt.Fprintln(out)
		for _, s := range snap.Sources {
			fmt.Fprintf(out, "%-30s %-12s incr=%-3d last-full=%-12s size=%s\n",
				s.SourceKey, s.LastOutcomeHuman, s.IncrementalCount, s.LastFullAgeHuman, s.CumulativeHuman)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusUseTUI, "tui", false, "interactive dashboard instead of a one-shot snapshot")
	statusCmd.Flags().DurationVar(&statusRefresh, "refresh", monitorui.DefaultRefresh, "TUI refresh interval")
}
