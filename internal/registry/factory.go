package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/modelshed/modelshed/internal/registry/artifact/local"
	"github.com/modelshed/modelshed/internal/registry/metadata/jsonfile"
	"github.com/modelshed/modelshed/internal/registry/metadata/sqlite"
)

// Backend kind selectors accepted by Open.
const (
	// BackendLocal pairs filesystem artifacts with a flat-file JSON index.
	BackendLocal = "local"
	// BackendDatabase pairs filesystem artifacts with a SQLite index.
	BackendDatabase = "database"
	// BackendS3 names remote object storage, which is not implemented.
	BackendS3 = "s3"
)

// Config carries the locations used to wire a registry's stores.
type Config struct {
	// DataDir is the base directory for stored artifacts.
	DataDir string
	// MetadataPath overrides the flat-file index location. Defaults to
	// registry.json inside DataDir.
	MetadataPath string
	// DatabasePath overrides the SQLite database location. Defaults to
	// registry.db inside DataDir.
	DatabasePath string
}

// Open wires a fully constructed registry for the named backend kind. An
// unrecognized kind, or the recognized-but-unimplemented s3 kind, fails with
// ErrBackendConfig before any store is constructed.
func Open(ctx context.Context, kind string, cfg Config) (*Registry, error) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	switch kind {
	case BackendLocal, BackendDatabase:
	case BackendS3:
		return nil, fmt.Errorf("%w: s3 artifact storage is not implemented", ErrBackendConfig)
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrBackendConfig, kind)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("%w: data directory is required", ErrBackendConfig)
	}

	artifacts, err := local.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	if kind == BackendLocal {
		metaPath := cfg.MetadataPath
		if strings.TrimSpace(metaPath) == "" {
			metaPath = filepath.Join(cfg.DataDir, "registry.json")
		}
		meta, err := jsonfile.New(metaPath)
		if err != nil {
			return nil, fmt.Errorf("open metadata store: %w", err)
		}
		return New(ctx, artifacts, meta, nil)
	}

	dbPath := cfg.DatabasePath
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join(cfg.DataDir, "registry.db")
	}
	meta, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	reg, err := New(ctx, artifacts, meta, nil)
	if err != nil {
		_ = meta.Close()
		return nil, err
	}
	return reg, nil
}
