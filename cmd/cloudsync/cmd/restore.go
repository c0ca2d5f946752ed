package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudsync/cloudsync/pkg/restore"
)

var (
	restoreTarget         string
	restoreAllowOverwrite bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore <source-key>",
	Short: "Rebuild a source from its manifest and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}

		result, err := e.Restore.Restore(cmd.Context(), args[0], restoreTarget, restore.Options{
			AllowOverwrite: restoreAllowOverwrite,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s (%d bundles, %d files)\n",
			result.SourceKey, result.Target, result.BundlesUsed, result.FilesWritten)
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreTarget, "target", "", "destination directory (required)")
	restoreCmd.Flags().BoolVar(&restoreAllowOverwrite, "allow-overwrite", false, "allow restoring into a non-empty target")
	restoreCmd.MarkFlagRequired("target")
}
