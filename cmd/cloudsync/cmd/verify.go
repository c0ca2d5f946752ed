package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Sample sources, restore them to scratch, and assert integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}

		report, err := e.Verify.Run(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, r := range report.Results {
			status := "PASS"
			if !r.Passed {
				status = "FAIL"
			}
			fmt.Fprintf(out, "%-4s %-30s %s\n", status, r.SourceKey, r.Detail)
		}
		for _, d := range report.Debt {
			fmt.Fprintf(out, "DEBT %-30s %d/%d incrementals\n", d.SourceKey, d.IncrementalCount, d.MaxIncrementals)
		}
		fmt.Fprintf(out, "%d passed, %d failed, %d in consolidation debt\n", report.Passed(), report.Failed(), len(report.Debt))

		if report.Failed() > 0 {
			return fmt.Errorf("%d source(s) failed verification", report.Failed())
		}
		return nil
	},
}
