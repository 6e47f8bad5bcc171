package main

import (
	"fmt"

	"groupbuy/internal/config"
	"groupbuy/internal/database"
	redisx "groupbuy/internal/redis"
	"groupbuy/pkg/log"
)

// bootstrap loads the configuration, sets up logging and opens the stores
// shared by every subcommand. Callers release them with closeStores.
func bootstrap() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logConfig := log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}
	if err := log.Init(logConfig); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// database
	if err := database.Init(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// redis
	if err := redisx.Init(cfg); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return cfg, nil
}

func closeStores() {
	if err := redisx.Close(); err != nil {
		log.WithError(err).Warn("Failed to close redis")
	}
	if err := database.Close(); err != nil {
		log.WithError(err).Warn("Failed to close database")
	}
}
