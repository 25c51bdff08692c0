// Package httpapi exposes the model registry and its deployment cache over a
// JSON HTTP API.
//
// Every error response carries the {"message": {"reason", "advice"}} envelope.
// Registry ErrNotFound and deployment ErrNotDeployed map to 404, capability
// gaps on the configured metadata backend map to 501, malformed requests and
// model failures on bad input map to 400, everything else to 500.
package httpapi

import (
	"github.com/labstack/echo/v4"

	"github.com/modelshed/modelshed/internal/registry"
	"github.com/modelshed/modelshed/internal/services/registry/deployment"
)

// Routes registers the full API surface on e.
func Routes(e *echo.Echo, reg *registry.Registry, deployments *deployment.Manager) {
	e.GET("/", rootHandler())
	e.GET("/health", healthHandler())

	api := e.Group("/api")
	api.GET("/models", listModelsHandler(reg))
	api.POST("/models", registerModelHandler(reg))
	api.GET("/models/count", countModelsHandler(reg))
	api.GET("/models/stats", statisticsHandler(reg))
	api.GET("/models/search", searchByTagHandler(reg))
	api.GET("/models/:name", modelVersionsHandler(reg))
	api.GET("/models/:name/latest", latestVersionHandler(reg))
	api.DELETE("/models/:name", deleteModelHandler(reg))

	api.POST("/deployments/deploy", deployHandler(deployments))
	api.POST("/deployments/undeploy", undeployHandler(deployments))
	api.GET("/deployments", listDeploymentsHandler(deployments))
	api.GET("/deployments/status", deploymentStatusHandler(deployments))
	api.POST("/predict", predictHandler(deployments))
}
