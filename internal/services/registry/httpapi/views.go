package httpapi

import (
	"strconv"
	"time"

	"github.com/modelshed/modelshed/internal/registry/metadata"
	"github.com/modelshed/modelshed/internal/services/registry/deployment"
)

// Versions are numeric inside the registry but travel as strings on the wire,
// matching the registry's Save return type.

type recordView struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Tags        map[string]string `json:"tags"`
	CreatedAt   time.Time         `json:"created_at"`
	StoragePath string            `json:"storage_path"`
	FileSize    int64             `json:"file_size"`
}

func composeRecord(record metadata.Record) recordView {
	return recordView{
		Name:        record.Name,
		Version:     strconv.Itoa(record.Version),
		Description: record.Description,
		Tags:        record.Tags,
		CreatedAt:   record.CreatedAt,
		StoragePath: record.StoragePath,
		FileSize:    record.FileSize,
	}
}

func composeRecords(records []metadata.Record) []recordView {
	views := make([]recordView, 0, len(records))
	for _, record := range records {
		views = append(views, composeRecord(record))
	}
	return views
}

func composeIndex(index metadata.Index) map[string][]recordView {
	views := make(map[string][]recordView, len(index))
	for name, records := range index {
		views[name] = composeRecords(records)
	}
	return views
}

type deploymentView struct {
	ID         string     `json:"id"`
	ModelName  string     `json:"model_name"`
	Version    string     `json:"version"`
	DeployedAt time.Time  `json:"deployed_at"`
	LoadTimeMS float64    `json:"load_time_ms"`
	Requests   int64      `json:"requests_served"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

func composeDeployment(dep deployment.Deployment) deploymentView {
	view := deploymentView{
		ID:         dep.ID,
		ModelName:  dep.Name,
		Version:    strconv.Itoa(dep.Version),
		DeployedAt: dep.DeployedAt,
		LoadTimeMS: float64(dep.LoadTime.Microseconds()) / 1000,
		Requests:   dep.Requests,
	}
	if !dep.LastUsed.IsZero() {
		used := dep.LastUsed
		view.LastUsed = &used
	}
	return view
}

func composeDeployments(deps []deployment.Deployment) []deploymentView {
	views := make([]deploymentView, 0, len(deps))
	for _, dep := range deps {
		views = append(views, composeDeployment(dep))
	}
	return views
}

type modelStatisticsView struct {
	Name          string    `json:"name"`
	VersionCount  int       `json:"version_count"`
	TotalSize     int64     `json:"total_size_bytes"`
	LatestVersion string    `json:"latest_version"`
	LastUpdated   time.Time `json:"last_updated"`
}

type statisticsView struct {
	TotalModels   int                   `json:"total_models"`
	TotalVersions int                   `json:"total_versions"`
	TotalSize     int64                 `json:"total_size_bytes"`
	Models        []modelStatisticsView `json:"models"`
}

func composeStatistics(stats metadata.Statistics) statisticsView {
	view := statisticsView{
		TotalModels:   stats.TotalModels,
		TotalVersions: stats.TotalVersions,
		TotalSize:     stats.TotalSize,
		Models:        make([]modelStatisticsView, 0, len(stats.Models)),
	}
	for _, model := range stats.Models {
		view.Models = append(view.Models, modelStatisticsView{
			Name:          model.Name,
			VersionCount:  model.VersionCount,
			TotalSize:     model.TotalSize,
			LatestVersion: strconv.Itoa(model.LatestVersion),
			LastUpdated:   model.LastUpdated,
		})
	}
	return view
}

type tagMatchView struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	TagValue string `json:"tag_value"`
}

func composeTagMatches(matches []metadata.TagMatch) []tagMatchView {
	views := make([]tagMatchView, 0, len(matches))
	for _, match := range matches {
		views = append(views, tagMatchView{
			Name:     match.Name,
			Version:  strconv.Itoa(match.Version),
			TagValue: match.TagValue,
		})
	}
	return views
}
