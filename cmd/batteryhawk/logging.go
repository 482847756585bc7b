package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogging sets the global log level from --log-level, falling back
// to the configured level when the flag is unset.
func configureLogging(cmd *cobra.Command, configuredLevel string) error {
	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = configuredLevel
	}
	if levelStr == "" {
		levelStr = "info"
	}

	var level logrus.Level
	switch levelStr {
	case "debug":
		level = logrus.DebugLevel
	case "info":
		level = logrus.InfoLevel
	case "warn":
		level = logrus.WarnLevel
	case "error":
		level = logrus.ErrorLevel
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return nil
}
