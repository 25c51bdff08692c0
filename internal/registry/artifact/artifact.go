// Package artifact defines persistence contracts for raw model artifacts.
//
// Artifact bytes are opaque at this layer. Stores address them by a relative
// slash-separated path; the registry derives those paths with PathFor.
package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates a requested artifact is missing from the store.
var ErrNotFound = errors.New("artifact not found")

// PathFor returns the storage path for one model version.
func PathFor(name string, version int) string {
	return fmt.Sprintf("%s/v%d/artifact", name, version)
}

// Store persists opaque artifact bytes addressed by relative path.
type Store interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	// Delete is idempotent; deleting an absent artifact is not an error.
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
}
