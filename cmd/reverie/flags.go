package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nvandessel/reverie/internal/config"
)

// addStoreFlags registers the storage overrides shared by every command.
func addStoreFlags(fs *pflag.FlagSet) {
	fs.String("storage", "", "Simulation storage directory")
	fs.String("backend", "", "Storage backend: file, sqlite or mongo")
	fs.String("sqlite-path", "", "SQLite database path (default: <storage>/reverie.db)")
	fs.String("mongo-uri", "", "MongoDB connection URI")
}

// loadConfig reads --config (or the default locations), applies the flag
// overrides and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	applyFlagOverrides(cfg, cmd.Flags())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, fs *pflag.FlagSet) {
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	str("storage", &cfg.Storage.Path)
	str("backend", &cfg.Storage.Backend)
	str("sqlite-path", &cfg.Storage.SQLitePath)
	str("mongo-uri", &cfg.Storage.MongoURI)
	str("log-level", &cfg.Logging.Level)
}

// defaultTemplate is forked when a start request names no template.
func defaultTemplate(cfg *config.Config) string {
	if len(cfg.Simulation.BaseTemplates) == 0 {
		return ""
	}
	return cfg.Simulation.BaseTemplates[0]
}
