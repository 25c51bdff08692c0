// Package deployment tracks models loaded into memory for serving.
//
// Deployments form a process-wide cache keyed by model name and resolved
// version. There is no eviction: an entry lives until it is explicitly
// undeployed or the process exits.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelshed/modelshed/internal/registry/luamodel"
	"github.com/modelshed/modelshed/internal/registry/metadata"
)

// ErrNotDeployed indicates the requested model version is not in the cache.
var ErrNotDeployed = errors.New("model is not deployed")

// Registry is the subset of registry operations the manager depends on.
type Registry interface {
	Load(ctx context.Context, name, version string) ([]byte, error)
	Record(name, version string) (metadata.Record, error)
}

// Deployment stores one actively served model version.
type Deployment struct {
	ID         string
	Name       string
	Version    int
	Record     metadata.Record
	DeployedAt time.Time
	LoadTime   time.Duration
	Requests   int64
	LastUsed   time.Time
}

// Prediction stores one inference result and the deployment state after it.
type Prediction struct {
	Deployment Deployment
	Output     any
	Inference  time.Duration
}

// Status summarizes the deployment cache and process memory usage.
type Status struct {
	Deployments   []Deployment
	Count         int
	TotalRequests int64
	MemoryAllocMB float64
	MemorySysMB   float64
}

type entry struct {
	deployment Deployment
	program    *luamodel.Program
}

// Manager caches compiled models for serving.
type Manager struct {
	registry Registry
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*entry
}

// New creates a deployment manager over reg. A nil now falls back to
// time.Now.
func New(reg Registry, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{registry: reg, now: now, active: map[string]*entry{}}
}

// Deploy loads and compiles one model version into the cache. An empty
// version resolves to the latest. Deploying an already active version reports
// it without reloading.
func (m *Manager) Deploy(ctx context.Context, name, version string) (Deployment, bool, error) {
	record, err := m.registry.Record(name, version)
	if err != nil {
		return Deployment{}, false, err
	}
	key := deployKey(record.Name, record.Version)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.active[key]; ok {
		return existing.deployment, true, nil
	}

	start := m.now()
	data, err := m.registry.Load(ctx, record.Name, strconv.Itoa(record.Version))
	if err != nil {
		return Deployment{}, false, fmt.Errorf("load model %s: %w", key, err)
	}
	program, err := luamodel.Compile(data)
	if err != nil {
		return Deployment{}, false, fmt.Errorf("compile model %s: %w", key, err)
	}

	deployment := Deployment{
		ID:         uuid.NewString(),
		Name:       record.Name,
		Version:    record.Version,
		Record:     record,
		DeployedAt: m.now().UTC(),
		LoadTime:   m.now().Sub(start),
	}
	m.active[key] = &entry{deployment: deployment, program: program}
	return deployment, false, nil
}

// Undeploy removes one model version from the cache and returns its final
// state. An empty version resolves to the latest.
func (m *Manager) Undeploy(_ context.Context, name, version string) (Deployment, error) {
	record, err := m.registry.Record(name, version)
	if err != nil {
		return Deployment{}, err
	}
	key := deployKey(record.Name, record.Version)

	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.active[key]
	if !ok {
		return Deployment{}, fmt.Errorf("model %s: %w", key, ErrNotDeployed)
	}
	delete(m.active, key)
	return existing.deployment, nil
}

// Predict runs one inference against a deployed model version, bumping its
// request counter and last-used time.
func (m *Manager) Predict(_ context.Context, name, version string, input any) (Prediction, error) {
	record, err := m.registry.Record(name, version)
	if err != nil {
		return Prediction{}, err
	}
	key := deployKey(record.Name, record.Version)

	m.mu.Lock()
	existing, ok := m.active[key]
	m.mu.Unlock()
	if !ok {
		return Prediction{}, fmt.Errorf("model %s: %w", key, ErrNotDeployed)
	}

	start := m.now()
	output, err := existing.program.Predict(input)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict with model %s: %w", key, err)
	}
	elapsed := m.now().Sub(start)

	m.mu.Lock()
	existing.deployment.Requests++
	existing.deployment.LastUsed = m.now().UTC()
	snapshot := existing.deployment
	m.mu.Unlock()

	return Prediction{Deployment: snapshot, Output: output, Inference: elapsed}, nil
}

// List returns the active deployments ordered by name then version.
func (m *Manager) List() []Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	deployments := make([]Deployment, 0, len(m.active))
	for _, existing := range m.active {
		deployments = append(deployments, existing.deployment)
	}
	sort.Slice(deployments, func(i, j int) bool {
		if deployments[i].Name != deployments[j].Name {
			return deployments[i].Name < deployments[j].Name
		}
		return deployments[i].Version < deployments[j].Version
	})
	return deployments
}

// Snapshot reports the cache contents plus process memory usage.
func (m *Manager) Snapshot() Status {
	deployments := m.List()
	status := Status{Deployments: deployments, Count: len(deployments)}
	for _, deployment := range deployments {
		status.TotalRequests += deployment.Requests
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	status.MemoryAllocMB = float64(stats.Alloc) / (1 << 20)
	status.MemorySysMB = float64(stats.Sys) / (1 << 20)
	return status
}

func deployKey(name string, version int) string {
	return fmt.Sprintf("%s:v%d", name, version)
}
