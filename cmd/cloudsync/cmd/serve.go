package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var servePollInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor continuously, polling for due sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return e.Serve(ctx, servePollInterval)
	},
}

func init() {
	serveCmd.Flags().DurationVar(&servePollInterval, "poll-interval", time.Minute, "how often to evaluate source cadences")
}
