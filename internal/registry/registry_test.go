package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/modelshed/modelshed/internal/registry/artifact"
	"github.com/modelshed/modelshed/internal/registry/artifact/local"
	"github.com/modelshed/modelshed/internal/registry/metadata"
)

func TestSaveAssignsSequentialVersions(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	for want := 1; want <= 3; want++ {
		version, err := reg.Save(context.Background(), []byte(fmt.Sprintf("payload %d", want)), "linear", "demo", nil)
		if err != nil {
			t.Fatalf("save %d: %v", want, err)
		}
		if version != fmt.Sprintf("%d", want) {
			t.Fatalf("assigned version = %q, want %q", version, fmt.Sprintf("%d", want))
		}
	}

	record, err := reg.Record("linear", "1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.StoragePath != "linear/v1/artifact" {
		t.Fatalf("storage path = %q, want %q", record.StoragePath, "linear/v1/artifact")
	}
	if record.FileSize != int64(len("payload 1")) {
		t.Fatalf("file size = %d, want %d", record.FileSize, len("payload 1"))
	}
}

func TestVersionSequenceIgnoresDeletesOnOtherNames(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	mustSave(t, reg, "alpha", []byte("a1"))
	mustSave(t, reg, "alpha", []byte("a2"))
	mustSave(t, reg, "beta", []byte("b1"))

	if err := reg.Delete(context.Background(), "beta", ""); err != nil {
		t.Fatalf("delete beta: %v", err)
	}
	version, err := reg.Save(context.Background(), []byte("a3"), "alpha", "", nil)
	if err != nil {
		t.Fatalf("save alpha after delete: %v", err)
	}
	if version != "3" {
		t.Fatalf("alpha version = %q, want 3", version)
	}
}

func TestLatestVersionComparesNumerically(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	for i := 1; i <= 10; i++ {
		mustSave(t, reg, "wide", []byte(fmt.Sprintf("payload %d", i)))
	}

	latest, err := reg.LatestVersion("wide")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest != "10" {
		t.Fatalf("latest = %q, want 10 (numeric, not lexical)", latest)
	}

	data, err := reg.Load(context.Background(), "wide", "")
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if string(data) != "payload 10" {
		t.Fatalf("latest payload = %q, want %q", data, "payload 10")
	}
}

func TestLoadUnknownReturnsNotFound(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	mustSave(t, reg, "known", []byte("x"))

	if _, err := reg.Load(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown name error = %v, want %v", err, ErrNotFound)
	}
	if _, err := reg.Load(context.Background(), "known", "9"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown version error = %v, want %v", err, ErrNotFound)
	}
	if _, err := reg.Load(context.Background(), "known", "latest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-numeric version error = %v, want %v", err, ErrNotFound)
	}
}

func TestDeleteScenario(t *testing.T) {
	t.Parallel()

	cfg := Config{DataDir: t.TempDir()}
	reg := openRegistryAt(t, BackendLocal, cfg)
	for i := 1; i <= 3; i++ {
		mustSave(t, reg, "linear", []byte(fmt.Sprintf("model %d", i)))
	}

	latest, err := reg.LatestVersion("linear")
	if err != nil {
		t.Fatalf("latest version: %v", err)
	}
	if latest != "3" {
		t.Fatalf("latest = %q, want 3", latest)
	}
	data, err := reg.Load(context.Background(), "linear", "")
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if string(data) != "model 3" {
		t.Fatalf("latest payload = %q, want %q", data, "model 3")
	}

	if err := reg.Delete(context.Background(), "linear", "2"); err != nil {
		t.Fatalf("delete version 2: %v", err)
	}
	records := reg.List()["linear"]
	if len(records) != 2 {
		t.Fatalf("records after delete = %d, want 2", len(records))
	}
	if records[0].Version != 1 || records[1].Version != 3 {
		t.Fatalf("versions after delete = [%d, %d], want [1, 3]", records[0].Version, records[1].Version)
	}

	store, err := local.New(cfg.DataDir)
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}
	exists, err := store.Exists(context.Background(), "linear/v2/artifact")
	if err != nil {
		t.Fatalf("check artifact: %v", err)
	}
	if exists {
		t.Fatal("expected deleted artifact to be removed from disk")
	}
}

func TestDeleteLastVersionDropsName(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	mustSave(t, reg, "solo", []byte("only"))

	if err := reg.Delete(context.Background(), "solo", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := reg.List()["solo"]; ok {
		t.Fatal("expected name dropped from index after last delete")
	}
	if _, err := reg.Versions("solo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("versions error = %v, want %v", err, ErrNotFound)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{BackendLocal, BackendDatabase} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			cfg := Config{DataDir: t.TempDir()}
			first := openRegistryAt(t, kind, cfg)
			mustSave(t, first, "survivor", []byte("v1"))
			mustSave(t, first, "survivor", []byte("v2"))
			want := first.List()
			if err := first.Close(); err != nil {
				t.Fatalf("close first registry: %v", err)
			}

			second := openRegistryAt(t, kind, cfg)
			got := second.List()
			records := got["survivor"]
			if len(records) != 2 {
				t.Fatalf("records after restart = %d, want 2", len(records))
			}
			for i, record := range records {
				if record.Version != want["survivor"][i].Version {
					t.Fatalf("version[%d] = %d, want %d", i, record.Version, want["survivor"][i].Version)
				}
				if record.StoragePath != want["survivor"][i].StoragePath {
					t.Fatalf("path[%d] = %q, want %q", i, record.StoragePath, want["survivor"][i].StoragePath)
				}
			}

			data, err := second.Load(context.Background(), "survivor", "2")
			if err != nil {
				t.Fatalf("load after restart: %v", err)
			}
			if string(data) != "v2" {
				t.Fatalf("payload after restart = %q, want %q", data, "v2")
			}
		})
	}
}

func TestDeleteSurvivesRestartOnDatabaseBackend(t *testing.T) {
	t.Parallel()

	cfg := Config{DataDir: t.TempDir()}
	first := openRegistryAt(t, BackendDatabase, cfg)
	mustSave(t, first, "pruned", []byte("v1"))
	mustSave(t, first, "pruned", []byte("v2"))
	if err := first.Delete(context.Background(), "pruned", "1"); err != nil {
		t.Fatalf("delete version 1: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close first registry: %v", err)
	}

	second := openRegistryAt(t, BackendDatabase, cfg)
	records := second.List()["pruned"]
	if len(records) != 1 {
		t.Fatalf("records after restart = %d, want 1 (deleted row must stay deleted)", len(records))
	}
	if records[0].Version != 2 {
		t.Fatalf("surviving version = %d, want 2", records[0].Version)
	}
}

func TestTagsRoundTripThroughBothBackends(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{BackendLocal, BackendDatabase} {
		t.Run(kind, func(t *testing.T) {
			t.Parallel()

			cfg := Config{DataDir: t.TempDir()}
			first := openRegistryAt(t, kind, cfg)
			tags := NormalizeTags(map[string]any{"accuracy": 0.95, "epochs": float64(12), "blessed": true})
			if _, err := first.Save(context.Background(), []byte("m"), "tagged", "", tags); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := first.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			second := openRegistryAt(t, kind, cfg)
			record, err := second.Record("tagged", "1")
			if err != nil {
				t.Fatalf("record: %v", err)
			}
			if record.Tags["accuracy"] != "0.95" {
				t.Fatalf("accuracy = %q, want %q", record.Tags["accuracy"], "0.95")
			}
			if record.Tags["epochs"] != "12" {
				t.Fatalf("epochs = %q, want %q", record.Tags["epochs"], "12")
			}
			if record.Tags["blessed"] != "true" {
				t.Fatalf("blessed = %q, want %q", record.Tags["blessed"], "true")
			}
		})
	}
}

func TestStatisticsThroughDatabaseBackend(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendDatabase)
	mustSave(t, reg, "a", bytes.Repeat([]byte("x"), 100))
	mustSave(t, reg, "a", bytes.Repeat([]byte("x"), 200))
	mustSave(t, reg, "b", bytes.Repeat([]byte("x"), 50))

	stats, err := reg.Statistics(context.Background())
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.TotalModels != 2 || stats.TotalVersions != 3 || stats.TotalSize != 350 {
		t.Fatalf("totals = %d models / %d versions / %d bytes, want 2/3/350",
			stats.TotalModels, stats.TotalVersions, stats.TotalSize)
	}
}

func TestCapabilitiesUnsupportedOnFlatFileBackend(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	if _, err := reg.Statistics(context.Background()); !errors.Is(err, ErrStatsUnsupported) {
		t.Fatalf("statistics error = %v, want %v", err, ErrStatsUnsupported)
	}
	if _, err := reg.FindByTag(context.Background(), "stage", ""); !errors.Is(err, ErrTagSearchUnsupported) {
		t.Fatalf("tag search error = %v, want %v", err, ErrTagSearchUnsupported)
	}
}

func TestFindByTagThroughDatabaseBackend(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendDatabase)
	if _, err := reg.Save(context.Background(), []byte("m1"), "search", "", map[string]string{"stage": "dev"}); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if _, err := reg.Save(context.Background(), []byte("m2"), "search", "", map[string]string{"stage": "prod"}); err != nil {
		t.Fatalf("save v2: %v", err)
	}

	matches, err := reg.FindByTag(context.Background(), "stage", "prod")
	if err != nil {
		t.Fatalf("find by tag: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(matches))
	}
	if matches[0].Name != "search" || matches[0].Version != 2 {
		t.Fatalf("match = %+v, want search v2", matches[0])
	}
}

func TestFactoryRejectsUnknownAndUnimplementedKinds(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), "s3", Config{DataDir: t.TempDir()}); !errors.Is(err, ErrBackendConfig) {
		t.Fatalf("s3 error = %v, want %v", err, ErrBackendConfig)
	}
	if _, err := Open(context.Background(), "redis", Config{DataDir: t.TempDir()}); !errors.Is(err, ErrBackendConfig) {
		t.Fatalf("unknown kind error = %v, want %v", err, ErrBackendConfig)
	}
	if _, err := Open(context.Background(), BackendLocal, Config{}); !errors.Is(err, ErrBackendConfig) {
		t.Fatalf("missing data dir error = %v, want %v", err, ErrBackendConfig)
	}
}

func TestSaveRejectsInvalidNames(t *testing.T) {
	t.Parallel()

	reg := openTempRegistry(t, BackendLocal)
	for _, name := range []string{"", "  ", "a/b", `a\b`, "..", "."} {
		if _, err := reg.Save(context.Background(), []byte("x"), name, "", nil); err == nil {
			t.Fatalf("expected name %q to be rejected", name)
		}
	}
}

func TestSaveArtifactFailureLeavesIndexUntouched(t *testing.T) {
	t.Parallel()

	meta := &memoryMetadata{}
	reg, err := New(context.Background(), failingArtifactStore{}, meta, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if _, err := reg.Save(context.Background(), []byte("x"), "doomed", "", nil); err == nil {
		t.Fatal("expected artifact failure to propagate")
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected index untouched after artifact failure")
	}
	if meta.saves != 0 {
		t.Fatalf("metadata saves = %d, want 0", meta.saves)
	}
}

func TestMetadataFailureLeavesMemoryAheadOfDurableStore(t *testing.T) {
	t.Parallel()

	artifacts, err := local.New(t.TempDir())
	if err != nil {
		t.Fatalf("new artifact store: %v", err)
	}
	meta := &memoryMetadata{failSave: true}
	reg, err := New(context.Background(), artifacts, meta, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, err = reg.Save(context.Background(), []byte("x"), "divergent", "", nil)
	if err == nil {
		t.Fatal("expected metadata failure to propagate")
	}
	if records := reg.List()["divergent"]; len(records) != 1 {
		t.Fatalf("in-memory records = %d, want 1 (index mutates before persistence)", len(records))
	}
	if meta.saved != nil {
		t.Fatal("expected durable store to have no records")
	}
}

func TestNormalizeTags(t *testing.T) {
	t.Parallel()

	got := NormalizeTags(map[string]any{
		"float":    0.25,
		"whole":    float64(3),
		"int":      7,
		"bool":     true,
		"string":   "plain",
		"missing":  nil,
		"negative": -2.5,
	})
	want := map[string]string{
		"float":    "0.25",
		"whole":    "3",
		"int":      "7",
		"bool":     "true",
		"string":   "plain",
		"missing":  "",
		"negative": "-2.5",
	}
	for key, value := range want {
		if got[key] != value {
			t.Fatalf("tag %q = %q, want %q", key, got[key], value)
		}
	}
	if tags := NormalizeTags(nil); tags == nil || len(tags) != 0 {
		t.Fatalf("nil input = %v, want empty map", tags)
	}
}

func mustSave(t *testing.T, reg *Registry, name string, data []byte) string {
	t.Helper()
	version, err := reg.Save(context.Background(), data, name, "", nil)
	if err != nil {
		t.Fatalf("save %s: %v", name, err)
	}
	return version
}

func openTempRegistry(t *testing.T, kind string) *Registry {
	t.Helper()
	return openRegistryAt(t, kind, Config{DataDir: t.TempDir()})
}

func openRegistryAt(t *testing.T, kind string, cfg Config) *Registry {
	t.Helper()
	reg, err := Open(context.Background(), kind, cfg)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() {
		if err := reg.Close(); err != nil {
			t.Fatalf("close registry: %v", err)
		}
	})
	return reg
}

type failingArtifactStore struct{}

func (failingArtifactStore) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func (failingArtifactStore) Load(context.Context, string) ([]byte, error) {
	return nil, artifact.ErrNotFound
}

func (failingArtifactStore) Delete(context.Context, string) error { return nil }

func (failingArtifactStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (failingArtifactStore) Size(context.Context, string) (int64, error) {
	return 0, artifact.ErrNotFound
}

type memoryMetadata struct {
	failSave bool
	saves    int
	saved    metadata.Index
}

func (m *memoryMetadata) SaveIndex(_ context.Context, index metadata.Index) error {
	if m.failSave {
		return errors.New("metadata store unavailable")
	}
	m.saves++
	m.saved = index.Clone()
	return nil
}

func (m *memoryMetadata) LoadIndex(context.Context) (metadata.Index, error) {
	return m.saved.Clone(), nil
}
