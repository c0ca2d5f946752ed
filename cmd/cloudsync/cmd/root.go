// Package cmd implements the CloudSync CLI commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudsync/cloudsync/internal/cloudsyncerr"
	"github.com/cloudsync/cloudsync/internal/logging"
	"github.com/cloudsync/cloudsync/pkg/cloudsync"
	"github.com/cloudsync/cloudsync/pkg/config"
)

var (
	appVersion string

	configPath string
	remoteRoot string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "cloudsync",
	Short:         "Back up git repositories and directories to a remote mirror",
	Long:          `cloudsync discovers configured git repositories and directories, bundles or archives them incrementally, mirrors the result to a remote, and can restore or verify what it produced.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to cloudsync.yaml (default: ./cloudsync.yaml, ~/.cloudsync/config.yaml, /etc/cloudsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&remoteRoot, "remote", "", "local path backing the mirror transport (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, restoreCmd, verifyCmd, statusCmd, serveCmd, versionCmd)
}

// Execute runs the root command, exiting with the spec §6.3 normative
// exit code derived from whatever error the command returns.
func Execute(version string) {
	appVersion = version
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cloudsyncerr.ExitCode(err))
	}
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

func buildLogger() logging.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, level)
}

func buildEngine() (*cloudsync.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cloudsyncerr.Wrap(err, cloudsyncerr.ErrConfig)
	}
	if remoteRoot == "" {
		return nil, cloudsyncerr.Wrap(fmt.Errorf("--remote is required"), cloudsyncerr.ErrConfig)
	}
	return cloudsync.New(cfg, remoteRoot, buildLogger())
}
