package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"calstore/internal/config"
	"calstore/internal/logging"
	"calstore/internal/store"
)

var (
	flagConfig   string
	flagDB       string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "calstore",
	Short: "Local calendar data store with offline sync",
	Long: `calstore manages the on-device calendar database: events,
categories, calendars, and preferences, plus the outbox queue of
mutations awaiting sync, backups, and maintenance.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database file path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (overrides config)")
}

// loadConfig resolves configuration with flag overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// openStore builds the logger and opens the database per config.
func openStore() (*store.DB, *config.Config, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	log := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: true,
	})
	db, err := store.Open(cfg.DBPath, log)
	if err != nil {
		return nil, nil, log, err
	}
	return db, cfg, log, nil
}
