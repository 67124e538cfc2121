// Package config handles application configuration from environment variables.
package config

import "os"

// Config holds the application configuration.
type Config struct {
	DatabasePath string
	LogLevel     string
}

// Load reads configuration from environment variables, applying defaults for
// anything unset.
func Load() (*Config, error) {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/rssr.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		DatabasePath: dbPath,
		LogLevel:     logLevel,
	}, nil
}
