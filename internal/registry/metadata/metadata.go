// Package metadata defines persistence contracts for the registry version index.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested metadata record is missing from the
// durable store.
var ErrNotFound = errors.New("metadata record not found")

// Record stores one saved version of a named model.
type Record struct {
	Name        string            `json:"name"`
	Version     int               `json:"version"`
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
	CreatedAt   time.Time         `json:"created_at"`
	StoragePath string            `json:"storage_path"`
	FileSize    int64             `json:"file_size"`
}

// Index maps a model name to its version records in insertion order.
type Index map[string][]Record

// Clone returns a deep copy of the index so callers can mutate it freely.
func (idx Index) Clone() Index {
	if idx == nil {
		return Index{}
	}
	clone := make(Index, len(idx))
	for name, records := range idx {
		copied := make([]Record, len(records))
		copy(copied, records)
		for i, record := range records {
			if record.Tags == nil {
				continue
			}
			tags := make(map[string]string, len(record.Tags))
			for k, v := range record.Tags {
				tags[k] = v
			}
			copied[i].Tags = tags
		}
		clone[name] = copied
	}
	return clone
}

// Store persists the full version index.
type Store interface {
	SaveIndex(ctx context.Context, index Index) error
	LoadIndex(ctx context.Context) (Index, error)
}

// VersionDeleter removes a single version record from the durable store.
// Stores that persist the index as one document do not need it; stores that
// only ever insert rows on save do.
type VersionDeleter interface {
	DeleteVersion(ctx context.Context, name string, version int) error
}

// ModelStatistics stores derived totals for one model.
type ModelStatistics struct {
	Name          string
	VersionCount  int
	TotalSize     int64
	LatestVersion int
	LastUpdated   time.Time
}

// Statistics stores derived totals across the whole index.
type Statistics struct {
	TotalModels   int
	TotalVersions int
	TotalSize     int64
	Models        []ModelStatistics
}

// StatisticsProvider reports aggregate figures computed by the durable store.
type StatisticsProvider interface {
	Statistics(ctx context.Context) (Statistics, error)
}

// TagMatch stores one model version carrying a searched tag.
type TagMatch struct {
	Name     string
	Version  int
	TagValue string
}

// TagFinder locates model versions by tag key and optional exact value.
type TagFinder interface {
	FindByTag(ctx context.Context, key, value string) ([]TagMatch, error)
}
