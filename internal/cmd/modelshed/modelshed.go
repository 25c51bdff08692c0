// Package modelshed parses registry daemon flags and launches the service.
package modelshed

import (
	"context"
	"flag"

	entrypoint "github.com/modelshed/modelshed/internal/platform/cmd"
	server "github.com/modelshed/modelshed/internal/services/registry/app"
)

// Config holds modelshed command configuration.
type Config struct {
	Port         int    `env:"MODELSHED_PORT" envDefault:"8801"`
	Backend      string `env:"MODELSHED_BACKEND" envDefault:"database"`
	DataDir      string `env:"MODELSHED_DATA_DIR" envDefault:"data/models"`
	MetadataPath string `env:"MODELSHED_METADATA_PATH"`
	DatabasePath string `env:"MODELSHED_DB_PATH"`
	LogLevel     string `env:"MODELSHED_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The registry HTTP server port")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Registry backend kind (local or database)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Base directory for stored model artifacts")
	fs.StringVar(&cfg.MetadataPath, "metadata-path", cfg.MetadataPath, "Flat-file metadata index path override")
	fs.StringVar(&cfg.DatabasePath, "db-path", cfg.DatabasePath, "SQLite metadata database path override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "HTTP log level (debug, info, warn, error, off)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the registry HTTP API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceModelshed, func(context.Context) error {
		return server.Run(ctx, server.Config{
			Port:         cfg.Port,
			Backend:      cfg.Backend,
			DataDir:      cfg.DataDir,
			MetadataPath: cfg.MetadataPath,
			DatabasePath: cfg.DatabasePath,
			LogLevel:     cfg.LogLevel,
		})
	})
}
