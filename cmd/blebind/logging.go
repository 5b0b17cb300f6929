package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blebind/pkg/config"
)

// configureLogger creates a logger from the merged configuration. --verbose raises the
// level to debug unless --log-level was given explicitly.
func configureLogger(cmd *cobra.Command, cfg *config.Config) *logrus.Logger {
	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())

	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose && !cmd.Flags().Changed("log-level") {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}
