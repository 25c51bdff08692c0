// Package jsonfile provides a flat-file implementation of the metadata store.
//
// The whole index is persisted as a single JSON document. Every save rewrites
// the document in place; there is no partial update and no protection against
// concurrent writers. That matches the registry's single-writer model.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelshed/modelshed/internal/registry/metadata"
)

// Store persists the version index as one JSON document on disk.
type Store struct {
	path string
}

var _ metadata.Store = (*Store)(nil)

// New creates a flat-file metadata store writing to path. The file is not
// created until the first save; a missing file reads as an empty index.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("metadata path is required")
	}
	return &Store{path: path}, nil
}

// SaveIndex overwrites the document with the full index.
func (s *Store) SaveIndex(ctx context.Context, index metadata.Index) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if index == nil {
		index = metadata.Index{}
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata index: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metadata directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write metadata index: %w", err)
	}
	return nil
}

// LoadIndex reads the document back. A file that does not exist yet is not an
// error; it reads as an empty index.
func (s *Store) LoadIndex(ctx context.Context) (metadata.Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return metadata.Index{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata index: %w", err)
	}
	var index metadata.Index
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode metadata index: %w", err)
	}
	if index == nil {
		index = metadata.Index{}
	}
	return index, nil
}
