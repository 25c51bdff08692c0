package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/modelshed/modelshed/internal/registry"
	"github.com/modelshed/modelshed/internal/registry/luamodel"
	"github.com/modelshed/modelshed/internal/services/registry/deployment"
)

func rootHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"service": "modelshed",
			"endpoints": map[string]string{
				"models":      "/api/models",
				"deployments": "/api/deployments",
				"predict":     "/api/predict",
				"health":      "/health",
			},
		})
	}
}

func healthHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func listModelsHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"models": composeIndex(reg.List())})
	}
}

type registerModelRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tags        map[string]any `json:"tags"`
	Source      string         `json:"source"`
}

func registerModelHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		req := registerModelRequest{}
		decoder := json.NewDecoder(c.Request().Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			return newError(http.StatusBadRequest, "request body is not a model registration",
				WithAdvice(`send {"name", "description"?, "tags"?, "source"}`),
				WithCause(err))
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			return badRequest("model name is required", nil)
		}
		if strings.TrimSpace(req.Source) == "" {
			return badRequest("model source is required", nil)
		}
		if _, err := luamodel.Compile([]byte(req.Source)); err != nil {
			return newError(http.StatusBadRequest, "model source does not compile",
				WithAdvice(err.Error()),
				WithCause(err))
		}

		version, err := reg.Save(ctx, []byte(req.Source), name, req.Description, registry.NormalizeTags(req.Tags))
		if err != nil {
			return registryError(err)
		}
		record, err := reg.Record(name, version)
		if err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusCreated, map[string]any{
			"name":    record.Name,
			"version": version,
			"record":  composeRecord(record),
		})
	}
}

func countModelsHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		models, versions := reg.Count()
		return c.JSON(http.StatusOK, map[string]int{
			"total_models":   models,
			"total_versions": versions,
		})
	}
}

func statisticsHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := reg.Statistics(c.Request().Context())
		if err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusOK, composeStatistics(stats))
	}
}

func searchByTagHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.QueryParam("key")
		if strings.TrimSpace(key) == "" {
			return badRequest("query parameter key is required", nil)
		}
		value := c.QueryParam("value")
		matches, err := reg.FindByTag(c.Request().Context(), key, value)
		if err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"key":     key,
			"value":   value,
			"matches": composeTagMatches(matches),
		})
	}
}

func modelVersionsHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		records, err := reg.Versions(name)
		if err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"name":     name,
			"versions": composeRecords(records),
		})
	}
}

func latestVersionHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		version, err := reg.LatestVersion(name)
		if err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusOK, map[string]string{"name": name, "version": version})
	}
}

func deleteModelHandler(reg *registry.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		name := c.Param("name")
		version := c.QueryParam("version")

		record, err := reg.Record(name, version)
		if err != nil {
			return registryError(err)
		}
		if err := reg.Delete(ctx, name, version); err != nil {
			return registryError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"name":    record.Name,
			"version": fmt.Sprintf("%d", record.Version),
			"deleted": true,
		})
	}
}

type deploymentRequest struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
}

func deployHandler(deployments *deployment.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := deploymentRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest("request body is not a deployment request", err)
		}
		if strings.TrimSpace(req.ModelName) == "" {
			return badRequest("model_name is required", nil)
		}
		dep, active, err := deployments.Deploy(c.Request().Context(), req.ModelName, req.Version)
		if err != nil {
			return deploymentError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"deployment":       composeDeployment(dep),
			"already_deployed": active,
		})
	}
}

func undeployHandler(deployments *deployment.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := deploymentRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest("request body is not a deployment request", err)
		}
		if strings.TrimSpace(req.ModelName) == "" {
			return badRequest("model_name is required", nil)
		}
		dep, err := deployments.Undeploy(c.Request().Context(), req.ModelName, req.Version)
		if err != nil {
			return deploymentError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"undeployed": composeDeployment(dep)})
	}
}

func listDeploymentsHandler(deployments *deployment.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		active := deployments.List()
		var requests int64
		for _, dep := range active {
			requests += dep.Requests
		}
		return c.JSON(http.StatusOK, map[string]any{
			"deployments":    composeDeployments(active),
			"count":          len(active),
			"total_requests": requests,
		})
	}
}

func deploymentStatusHandler(deployments *deployment.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := deployments.Snapshot()
		return c.JSON(http.StatusOK, map[string]any{
			"deployments":     composeDeployments(status.Deployments),
			"count":           status.Count,
			"total_requests":  status.TotalRequests,
			"memory_alloc_mb": status.MemoryAllocMB,
			"memory_sys_mb":   status.MemorySysMB,
		})
	}
}

type predictRequest struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
	Input     any    `json:"input"`
}

func predictHandler(deployments *deployment.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := predictRequest{}
		if err := c.Bind(&req); err != nil {
			return badRequest("request body is not a predict request", err)
		}
		if strings.TrimSpace(req.ModelName) == "" {
			return badRequest("model_name is required", nil)
		}
		result, err := deployments.Predict(c.Request().Context(), req.ModelName, req.Version, req.Input)
		if err != nil {
			switch {
			case errors.Is(err, deployment.ErrNotDeployed), errors.Is(err, registry.ErrNotFound):
				return deploymentError(err)
			default:
				return newError(http.StatusBadRequest, "model failed on the given input",
					WithAdvice(err.Error()),
					WithCause(err))
			}
		}
		dep := result.Deployment
		return c.JSON(http.StatusOK, map[string]any{
			"model_name":      dep.Name,
			"version":         fmt.Sprintf("%d", dep.Version),
			"prediction":      result.Output,
			"inference_ms":    float64(result.Inference.Microseconds()) / 1000,
			"requests_served": dep.Requests,
			"description":     dep.Record.Description,
			"tags":            dep.Record.Tags,
		})
	}
}

func registryError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return notFound(err.Error())
	case errors.Is(err, registry.ErrInvalidName):
		return badRequest(err.Error(), err)
	case errors.Is(err, registry.ErrStatsUnsupported), errors.Is(err, registry.ErrTagSearchUnsupported):
		return notImplemented(err.Error(), err)
	default:
		return internalError(err)
	}
}

func deploymentError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, deployment.ErrNotDeployed):
		return notFound(err.Error(),
			WithAdvice("deploy the model first via POST /api/deployments/deploy"))
	case errors.Is(err, registry.ErrNotFound):
		return notFound(err.Error())
	default:
		return internalError(err)
	}
}
