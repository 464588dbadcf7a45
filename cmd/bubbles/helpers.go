package main

import (
	"fmt"

	"github.com/hurttlocker/bubblescope/internal/config"
	"github.com/hurttlocker/bubblescope/internal/logging"
	"github.com/hurttlocker/bubblescope/internal/store"
)

// resolve merges config file, environment and flags, then installs the
// default logger. The returned cleanup closes the log file.
func resolve(metricsPath, seed string) (config.ResolvedConfig, func() error, error) {
	resolved, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath:     rootFlags.configPath,
		CLIDBPath:      rootFlags.dbPath,
		CLILogLevel:    rootFlags.logLevel,
		CLILogFormat:   rootFlags.logFormat,
		CLILogFile:     rootFlags.logFile,
		CLIMetricsPath: metricsPath,
		CLISeed:        seed,
	})
	if err != nil {
		return resolved, nil, fmt.Errorf("resolving config: %w", err)
	}

	level, err := logging.ParseLevel(resolved.LogLevel.Value)
	if err != nil {
		return resolved, nil, fmt.Errorf("%w (from %s)", err, resolved.LogLevel.From)
	}
	cleanup, err := logging.Setup(logging.Options{
		Level:  level,
		Format: resolved.LogFormat.Value,
		File:   resolved.LogFile.Value,
	})
	if err != nil {
		return resolved, nil, err
	}
	return resolved, cleanup, nil
}

func openStore(resolved config.ResolvedConfig) (store.Store, error) {
	s, err := store.NewStore(store.StoreConfig{DBPath: resolved.DBPath.Value})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}
