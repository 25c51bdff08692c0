// Package seed loads demo models into a registry backend.
//
// Seeding runs against a quiesced store: it opens the backing stores
// directly, so it must not run while the daemon is serving the same
// locations (single-writer assumption).
package seed

import (
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	entrypoint "github.com/modelshed/modelshed/internal/platform/cmd"
	"github.com/modelshed/modelshed/internal/registry"
	"github.com/modelshed/modelshed/internal/registry/luamodel"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Config holds seed command configuration.
type Config struct {
	Backend      string `env:"MODELSHED_BACKEND" envDefault:"database"`
	DataDir      string `env:"MODELSHED_DATA_DIR" envDefault:"data/models"`
	MetadataPath string `env:"MODELSHED_METADATA_PATH"`
	DatabasePath string `env:"MODELSHED_DB_PATH"`
	Manifest     string `env:"MODELSHED_SEED_MANIFEST"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Registry backend kind (local or database)")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Base directory for stored model artifacts")
	fs.StringVar(&cfg.MetadataPath, "metadata-path", cfg.MetadataPath, "Flat-file metadata index path override")
	fs.StringVar(&cfg.DatabasePath, "db-path", cfg.DatabasePath, "SQLite metadata database path override")
	fs.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "YAML model manifest path (empty uses the built-in demo set)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Manifest lists the models a seed run registers, in order.
type Manifest struct {
	Models []ModelEntry `yaml:"models"`
}

// ModelEntry describes one model version to register.
type ModelEntry struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Tags        map[string]any `yaml:"tags"`
	Source      string         `yaml:"source"`
}

// LoadManifest reads a manifest from path, or the embedded demo manifest when
// path is empty.
func LoadManifest(path string) (Manifest, error) {
	data := defaultManifest
	if strings.TrimSpace(path) != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return Manifest{}, fmt.Errorf("read manifest: %w", err)
		}
		data = fileData
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(manifest.Models) == 0 {
		return Manifest{}, fmt.Errorf("manifest lists no models")
	}
	for i, entry := range manifest.Models {
		if strings.TrimSpace(entry.Name) == "" {
			return Manifest{}, fmt.Errorf("manifest model %d has no name", i)
		}
		if strings.TrimSpace(entry.Source) == "" {
			return Manifest{}, fmt.Errorf("manifest model %q has no source", entry.Name)
		}
	}
	return manifest, nil
}

// Run registers every manifest model against the configured backend.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(context.Context) error {
		manifest, err := LoadManifest(cfg.Manifest)
		if err != nil {
			return err
		}
		reg, err := registry.Open(ctx, cfg.Backend, registry.Config{
			DataDir:      cfg.DataDir,
			MetadataPath: cfg.MetadataPath,
			DatabasePath: cfg.DatabasePath,
		})
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer func() {
			if err := reg.Close(); err != nil {
				log.Printf("close registry: %v", err)
			}
		}()

		for _, entry := range manifest.Models {
			if _, err := luamodel.Compile([]byte(entry.Source)); err != nil {
				return fmt.Errorf("model %q does not compile: %w", entry.Name, err)
			}
			version, err := reg.Save(ctx, []byte(entry.Source), entry.Name, entry.Description, registry.NormalizeTags(entry.Tags))
			if err != nil {
				return fmt.Errorf("register model %q: %w", entry.Name, err)
			}
			log.Printf("registered model %s version %s", entry.Name, version)
		}
		return nil
	})
}
