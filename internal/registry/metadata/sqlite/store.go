// Package sqlite provides a SQLite-backed implementation of the metadata store.
//
// Saves are incremental: the store keeps an in-process snapshot of the
// name/version pairs it has already persisted and inserts only records that
// are new relative to that snapshot. Rows are never updated in place. The
// snapshot is primed from the database at Open and replaced after every
// successful save or load, so it tracks a single writing process only.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	sqlitemigrate "github.com/modelshed/modelshed/internal/platform/storage/sqlitemigrate"
	"github.com/modelshed/modelshed/internal/registry/metadata"
	"github.com/modelshed/modelshed/internal/registry/metadata/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists registry metadata in SQLite.
type Store struct {
	sqlDB *sql.DB

	mu   sync.Mutex
	seen map[string]map[int]struct{}
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite metadata store, applies embedded migrations, and primes
// the persisted-version snapshot from the current table contents.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	// modernc.org/sqlite takes pragmas as _pragma=name(value) query
	// parameters, applied on every new connection.
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	store := &Store{sqlDB: sqlDB, seen: map[string]map[int]struct{}{}}
	if _, err := store.LoadIndex(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("prime metadata snapshot: %w", err)
	}
	return store, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveIndex persists every record in index that is absent from the snapshot.
// Existing rows are left untouched; the whole save runs in one transaction and
// the snapshot is replaced only after commit.
func (s *Store) SaveIndex(ctx context.Context, index metadata.Index) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	now := time.Now().UTC()

	for _, name := range names {
		var fresh []metadata.Record
		for _, record := range index[name] {
			if record.Version <= 0 {
				_ = tx.Rollback()
				return fmt.Errorf("model %q version must be greater than zero", name)
			}
			if _, ok := s.seen[name][record.Version]; !ok {
				fresh = append(fresh, record)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		modelID, err := ensureModel(ctx, tx, name, now)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		for _, record := range fresh {
			if err := insertVersion(ctx, tx, modelID, record, now); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save transaction: %w", err)
	}
	s.seen = snapshotOf(index)
	return nil
}

// LoadIndex reconstructs the full index from the tables and replaces the
// persisted-version snapshot with what it read.
func (s *Store) LoadIndex(ctx context.Context) (metadata.Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT v.id, m.name, v.version, v.description, v.storage_path, v.file_size_bytes, v.created_at
		   FROM versions v
		   JOIN models m ON m.id = v.model_id
		  ORDER BY m.name ASC, v.version ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load metadata index: %w", err)
	}
	defer rows.Close()

	type loadedRow struct {
		versionID int64
		record    metadata.Record
	}
	var loaded []loadedRow
	for rows.Next() {
		var row loadedRow
		var createdAt int64
		if err := rows.Scan(
			&row.versionID,
			&row.record.Name,
			&row.record.Version,
			&row.record.Description,
			&row.record.StoragePath,
			&row.record.FileSize,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("load metadata index: %w", err)
		}
		row.record.CreatedAt = fromMillis(createdAt)
		loaded = append(loaded, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load metadata index: %w", err)
	}

	tags, err := s.loadTags(ctx)
	if err != nil {
		return nil, err
	}

	index := metadata.Index{}
	for _, row := range loaded {
		record := row.record
		record.Tags = tags[row.versionID]
		if record.Tags == nil {
			record.Tags = map[string]string{}
		}
		index[record.Name] = append(index[record.Name], record)
	}

	s.mu.Lock()
	s.seen = snapshotOf(index)
	s.mu.Unlock()
	return index, nil
}

func (s *Store) loadTags(ctx context.Context) (map[int64]map[string]string, error) {
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT version_id, tag_key, tag_value FROM tags`,
	)
	if err != nil {
		return nil, fmt.Errorf("load metadata tags: %w", err)
	}
	defer rows.Close()
	tags := map[int64]map[string]string{}
	for rows.Next() {
		var versionID int64
		var key, value string
		if err := rows.Scan(&versionID, &key, &value); err != nil {
			return nil, fmt.Errorf("load metadata tags: %w", err)
		}
		if tags[versionID] == nil {
			tags[versionID] = map[string]string{}
		}
		tags[versionID][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load metadata tags: %w", err)
	}
	return tags, nil
}

// DeleteVersion removes one version row. Tag rows cascade; a model left with
// no versions is removed as well.
func (s *Store) DeleteVersion(ctx context.Context, name string, version int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("model name is required")
	}
	if version <= 0 {
		return fmt.Errorf("version must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}

	var modelID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM models WHERE name = ?`, name).Scan(&modelID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return metadata.ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("find model %q: %w", name, err)
	}

	// The schema cascade only fires with foreign_keys on; delete tag rows
	// explicitly.
	if _, err := tx.ExecContext(
		ctx,
		`DELETE FROM tags WHERE version_id IN (SELECT id FROM versions WHERE model_id = ? AND version = ?)`,
		modelID,
		version,
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete tags of version %d of model %q: %w", version, name, err)
	}

	result, err := tx.ExecContext(
		ctx,
		`DELETE FROM versions WHERE model_id = ? AND version = ?`,
		modelID,
		version,
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete version %d of model %q: %w", version, name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete version %d of model %q: %w", version, name, err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return metadata.ErrNotFound
	}

	var remaining int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM versions WHERE model_id = ?`,
		modelID,
	).Scan(&remaining); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("count versions of model %q: %w", name, err)
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, modelID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete model %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transaction: %w", err)
	}

	if versionsSeen, ok := s.seen[name]; ok {
		delete(versionsSeen, version)
		if len(versionsSeen) == 0 {
			delete(s.seen, name)
		}
	}
	return nil
}

// Statistics reports aggregate totals across all persisted models.
func (s *Store) Statistics(ctx context.Context) (metadata.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return metadata.Statistics{}, err
	}
	if s == nil || s.sqlDB == nil {
		return metadata.Statistics{}, fmt.Errorf("storage is not configured")
	}

	stats := metadata.Statistics{}
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT COUNT(DISTINCT m.id), COUNT(v.id), COALESCE(SUM(v.file_size_bytes), 0)
		   FROM models m
		   LEFT JOIN versions v ON v.model_id = m.id`,
	).Scan(&stats.TotalModels, &stats.TotalVersions, &stats.TotalSize)
	if err != nil {
		return metadata.Statistics{}, fmt.Errorf("load statistics totals: %w", err)
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT m.name, COUNT(v.id), COALESCE(SUM(v.file_size_bytes), 0),
		        COALESCE(MAX(v.version), 0), COALESCE(MAX(v.created_at), 0)
		   FROM models m
		   LEFT JOIN versions v ON v.model_id = m.id
		  GROUP BY m.id, m.name
		  ORDER BY m.name ASC`,
	)
	if err != nil {
		return metadata.Statistics{}, fmt.Errorf("load model statistics: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model metadata.ModelStatistics
		var lastUpdated int64
		if err := rows.Scan(
			&model.Name,
			&model.VersionCount,
			&model.TotalSize,
			&model.LatestVersion,
			&lastUpdated,
		); err != nil {
			return metadata.Statistics{}, fmt.Errorf("load model statistics: %w", err)
		}
		if lastUpdated > 0 {
			model.LastUpdated = fromMillis(lastUpdated)
		}
		stats.Models = append(stats.Models, model)
	}
	if err := rows.Err(); err != nil {
		return metadata.Statistics{}, fmt.Errorf("load model statistics: %w", err)
	}
	return stats, nil
}

// FindByTag returns every model version tagged with key. A non-empty value
// narrows matches to that exact tag value.
func (s *Store) FindByTag(ctx context.Context, key, value string) ([]metadata.TagMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("tag key is required")
	}

	query := `SELECT m.name, v.version, t.tag_value
	            FROM tags t
	            JOIN versions v ON v.id = t.version_id
	            JOIN models m ON m.id = v.model_id
	           WHERE t.tag_key = ?`
	args := []any{key}
	if value != "" {
		query += ` AND t.tag_value = ?`
		args = append(args, value)
	}
	query += ` ORDER BY m.name ASC, v.version ASC`

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find models by tag: %w", err)
	}
	defer rows.Close()
	var matches []metadata.TagMatch
	for rows.Next() {
		var match metadata.TagMatch
		if err := rows.Scan(&match.Name, &match.Version, &match.TagValue); err != nil {
			return nil, fmt.Errorf("find models by tag: %w", err)
		}
		matches = append(matches, match)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find models by tag: %w", err)
	}
	return matches, nil
}

func ensureModel(ctx context.Context, tx *sql.Tx, name string, now time.Time) (int64, error) {
	var modelID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM models WHERE name = ?`, name).Scan(&modelID)
	if err == nil {
		return modelID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find model %q: %w", name, err)
	}
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO models (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name,
		toMillis(now),
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("create model %q: %w", name, err)
	}
	modelID, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create model %q: %w", name, err)
	}
	return modelID, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, modelID int64, record metadata.Record, now time.Time) error {
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	result, err := tx.ExecContext(
		ctx,
		`INSERT INTO versions (model_id, version, description, storage_path, file_size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		modelID,
		record.Version,
		record.Description,
		record.StoragePath,
		record.FileSize,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("version %d of model %q already persisted: %w", record.Version, record.Name, err)
		}
		return fmt.Errorf("create version %d of model %q: %w", record.Version, record.Name, err)
	}
	versionID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("create version %d of model %q: %w", record.Version, record.Name, err)
	}

	keys := make([]string, 0, len(record.Tags))
	for key := range record.Tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO tags (version_id, tag_key, tag_value) VALUES (?, ?, ?)`,
			versionID,
			key,
			record.Tags[key],
		); err != nil {
			return fmt.Errorf("create tag %q on version %d of model %q: %w", key, record.Version, record.Name, err)
		}
	}
	return nil
}

func snapshotOf(index metadata.Index) map[string]map[int]struct{} {
	snapshot := make(map[string]map[int]struct{}, len(index))
	for name, records := range index {
		if len(records) == 0 {
			continue
		}
		versions := make(map[int]struct{}, len(records))
		for _, record := range records {
			versions[record.Version] = struct{}{}
		}
		snapshot[name] = versions
	}
	return snapshot
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ metadata.Store = (*Store)(nil)
var _ metadata.VersionDeleter = (*Store)(nil)
var _ metadata.StatisticsProvider = (*Store)(nil)
var _ metadata.TagFinder = (*Store)(nil)
