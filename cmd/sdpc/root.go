package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/logging"
)

var logger *zap.Logger

var rootFlags struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:   "sdpc",
	Short: "Software-defined-perimeter controller",
	Long: `sdpc is the control-plane server of a software-defined-perimeter
deployment. It authenticates gateways and clients over mutually
authenticated TLS, issues and rotates their credentials, and pushes
access and service topology changes out to connected gateways.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config",
		os.Getenv("SDPC_CONFIG"), "path to config file")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
