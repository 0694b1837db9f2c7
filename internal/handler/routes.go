package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edge-router-go/internal/config"
	"edge-router-go/internal/metrics"
)

// RegisterRoutes wires the edge intercept and the local endpoints onto the
// Echo instance. The metrics parameter is nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.Use(proxy.Intercept)

	e.GET(config.HealthPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
