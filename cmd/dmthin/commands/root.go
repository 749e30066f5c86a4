package commands

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dmthin",
	Short: "Thin-provisioning lifecycle manager",
	Long:  `Manages device-mapper thin pools over loop-device backing stores, with thin volumes and copy-on-write snapshots.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", "/var/lib/dmthin/state.db", "SQLite state database path")
	rootCmd.PersistentFlags().String("fsm-db-path", "/var/lib/dmthin/fsm", "Workflow database directory")
	rootCmd.PersistentFlags().String("pool-dir", "/var/lib/dmthin/pools", "Directory for pool backing files")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("pool-dir", rootCmd.PersistentFlags().Lookup("pool-dir"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func configureLogger(level string) *logrus.Logger {
	logger := logrus.StandardLogger()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("unknown log level, using info")
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
