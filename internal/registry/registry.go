// Package registry implements the versioned model registry core.
//
// A Registry composes one artifact store with one metadata store and owns the
// authoritative in-memory index of model versions. The index is primed from
// the metadata store at construction and never re-read; every mutation
// appends or removes records in memory first and then persists the full index
// synchronously. A metadata persistence failure after the in-memory mutation
// leaves memory ahead of the durable store; that divergence is reported, not
// rolled back.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modelshed/modelshed/internal/registry/artifact"
	"github.com/modelshed/modelshed/internal/registry/metadata"
)

var (
	// ErrNotFound indicates an unknown model name, or an unknown version for
	// a known model.
	ErrNotFound = errors.New("model not found")
	// ErrInvalidName indicates a model name that is empty or unusable as a
	// path segment.
	ErrInvalidName = errors.New("invalid model name")
	// ErrBackendConfig indicates an unrecognized or unimplemented backend
	// selector at construction time.
	ErrBackendConfig = errors.New("invalid backend configuration")
	// ErrStatsUnsupported indicates the configured metadata store cannot
	// compute aggregate statistics.
	ErrStatsUnsupported = errors.New("statistics not supported by the metadata store")
	// ErrTagSearchUnsupported indicates the configured metadata store cannot
	// search by tag.
	ErrTagSearchUnsupported = errors.New("tag search not supported by the metadata store")
)

// Registry stores versioned model artifacts and their metadata.
//
// All operations are serialized by an internal mutex; concurrent in-process
// callers are safe. Two processes sharing the same backing stores are not:
// the "next version" computation races across processes by design.
type Registry struct {
	artifacts artifact.Store
	meta      metadata.Store
	now       func() time.Time

	mu    sync.Mutex
	index metadata.Index
}

// New wires a registry from its two stores and primes the in-memory index
// from the metadata store. A nil now falls back to time.Now.
func New(ctx context.Context, artifacts artifact.Store, meta metadata.Store, now func() time.Time) (*Registry, error) {
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if meta == nil {
		return nil, errors.New("metadata store is required")
	}
	if now == nil {
		now = time.Now
	}
	index, err := meta.LoadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata index: %w", err)
	}
	if index == nil {
		index = metadata.Index{}
	}
	return &Registry{artifacts: artifacts, meta: meta, now: now, index: index}, nil
}

// Close releases the underlying stores.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	if closer, ok := r.meta.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Save stores data as the next version of name and persists the updated
// index. The artifact write happens first; any artifact failure aborts before
// metadata is touched. The assigned version is returned in string form.
func (r *Registry) Save(ctx context.Context, data []byte, name, description string, tags map[string]string) (string, error) {
	name, err := validateName(name)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	version := r.nextVersionLocked(name)
	path := artifact.PathFor(name, version)
	if err := r.artifacts.Save(ctx, path, data); err != nil {
		return "", fmt.Errorf("save artifact for model %q: %w", name, err)
	}
	size, err := r.artifacts.Size(ctx, path)
	if err != nil {
		return "", fmt.Errorf("measure artifact for model %q: %w", name, err)
	}

	if tags == nil {
		tags = map[string]string{}
	}
	record := metadata.Record{
		Name:        name,
		Version:     version,
		Description: description,
		Tags:        tags,
		CreatedAt:   r.now().UTC(),
		StoragePath: path,
		FileSize:    size,
	}
	r.index[name] = append(r.index[name], record)

	if err := r.meta.SaveIndex(ctx, r.index); err != nil {
		return "", fmt.Errorf("persist metadata for model %q version %d (in-memory index is now ahead of the durable store): %w", name, version, err)
	}
	return strconv.Itoa(version), nil
}

// Load returns the artifact bytes for the given version of name. An empty
// version resolves to the numerically greatest version.
func (r *Registry) Load(ctx context.Context, name, version string) ([]byte, error) {
	r.mu.Lock()
	record, err := r.resolveLocked(name, version)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	data, err := r.artifacts.Load(ctx, record.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("load artifact for model %q version %d: %w", record.Name, record.Version, err)
	}
	return data, nil
}

// Delete removes one version of name from the index, deletes its artifact,
// and persists the updated index. An empty version resolves to the latest.
func (r *Registry) Delete(ctx context.Context, name, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.resolveLocked(name, version)
	if err != nil {
		return err
	}

	records := r.index[record.Name]
	kept := make([]metadata.Record, 0, len(records))
	for _, existing := range records {
		if existing.Version != record.Version {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		delete(r.index, record.Name)
	} else {
		r.index[record.Name] = kept
	}

	if err := r.artifacts.Delete(ctx, record.StoragePath); err != nil {
		return fmt.Errorf("delete artifact for model %q version %d: %w", record.Name, record.Version, err)
	}

	if deleter, ok := r.meta.(metadata.VersionDeleter); ok {
		err := deleter.DeleteVersion(ctx, record.Name, record.Version)
		if err != nil && !errors.Is(err, metadata.ErrNotFound) {
			return fmt.Errorf("delete metadata for model %q version %d: %w", record.Name, record.Version, err)
		}
	}
	if err := r.meta.SaveIndex(ctx, r.index); err != nil {
		return fmt.Errorf("persist metadata after deleting model %q version %d (in-memory index is now ahead of the durable store): %w", record.Name, record.Version, err)
	}
	return nil
}

// List returns a copy of the in-memory index. No storage read happens.
func (r *Registry) List() metadata.Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.Clone()
}

// Versions returns the ordered records for name.
func (r *Registry) Versions(name string) ([]metadata.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.index[name]
	if len(records) == 0 {
		return nil, fmt.Errorf("model %q: %w", name, ErrNotFound)
	}
	cloned := metadata.Index{name: records}.Clone()
	return cloned[name], nil
}

// LatestVersion returns the numerically greatest version of name in string
// form.
func (r *Registry) LatestVersion(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, err := r.resolveLocked(name, "")
	if err != nil {
		return "", err
	}
	return strconv.Itoa(record.Version), nil
}

// Record returns the metadata record for the given version of name. An empty
// version resolves to the latest.
func (r *Registry) Record(name, version string) (metadata.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, err := r.resolveLocked(name, version)
	if err != nil {
		return metadata.Record{}, err
	}
	cloned := metadata.Index{record.Name: {record}}.Clone()
	return cloned[record.Name][0], nil
}

// Count reports the number of model names and total version records in the
// index.
func (r *Registry) Count() (models, versions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, records := range r.index {
		if len(records) == 0 {
			continue
		}
		models++
		versions += len(records)
	}
	return models, versions
}

// Statistics reports aggregate figures from the metadata store. Stores
// without the capability return ErrStatsUnsupported.
func (r *Registry) Statistics(ctx context.Context) (metadata.Statistics, error) {
	provider, ok := r.meta.(metadata.StatisticsProvider)
	if !ok {
		return metadata.Statistics{}, ErrStatsUnsupported
	}
	stats, err := provider.Statistics(ctx)
	if err != nil {
		return metadata.Statistics{}, fmt.Errorf("load statistics: %w", err)
	}
	return stats, nil
}

// FindByTag searches the metadata store for versions tagged with key,
// optionally narrowed to an exact value. Stores without the capability return
// ErrTagSearchUnsupported.
func (r *Registry) FindByTag(ctx context.Context, key, value string) ([]metadata.TagMatch, error) {
	finder, ok := r.meta.(metadata.TagFinder)
	if !ok {
		return nil, ErrTagSearchUnsupported
	}
	matches, err := finder.FindByTag(ctx, key, value)
	if err != nil {
		return nil, fmt.Errorf("find models by tag: %w", err)
	}
	return matches, nil
}

func (r *Registry) nextVersionLocked(name string) int {
	highest := 0
	for _, record := range r.index[name] {
		if record.Version > highest {
			highest = record.Version
		}
	}
	return highest + 1
}

func (r *Registry) resolveLocked(name, version string) (metadata.Record, error) {
	records := r.index[name]
	if len(records) == 0 {
		return metadata.Record{}, fmt.Errorf("model %q: %w", name, ErrNotFound)
	}
	if version == "" {
		latest := records[0]
		for _, record := range records[1:] {
			if record.Version > latest.Version {
				latest = record
			}
		}
		return latest, nil
	}
	wanted, err := strconv.Atoi(version)
	if err != nil {
		return metadata.Record{}, fmt.Errorf("model %q version %q: %w", name, version, ErrNotFound)
	}
	for _, record := range records {
		if record.Version == wanted {
			return record, nil
		}
	}
	return metadata.Record{}, fmt.Errorf("model %q version %d: %w", name, wanted, ErrNotFound)
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q must not contain path separators", ErrInvalidName, name)
	}
	return name, nil
}
