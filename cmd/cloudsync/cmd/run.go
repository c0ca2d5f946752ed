package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsync/cloudsync/pkg/runlog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scheduler tick across every due source",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}

		records := e.RunOnce(cmd.Context())
		failed := 0
		for _, rec := range records {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %-20s %s\n", rec.SourceKey, rec.Outcome, rec.Duration)
			if rec.Outcome == runlog.OutcomeFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources failed", failed, len(records))
		}
		return nil
	},
}
