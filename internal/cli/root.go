package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"enerx-readmodel/internal/app"
	"enerx-readmodel/internal/config"
	"enerx-readmodel/internal/logging"
	"enerx-readmodel/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:     "enerxwatch",
	Short:   "EnerXchange marketplace read model and CLI",
	Version: version.String(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listingsCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(platformCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(mutationsCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
