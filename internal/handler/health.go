package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-router-go/internal/auth"
	"edge-router-go/internal/router"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	resolver *router.Resolver
	gate     *auth.Gate
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(resolver *router.Resolver, gate *auth.Gate, v Version) *HealthHandler {
	return &HealthHandler{resolver: resolver, gate: gate, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	AuthMode string   `json:"auth_mode"`
	Routes   []string `json:"routes"`
}

// Status reports the build version, auth mode and route prefixes.
// Backend URLs are not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		AuthMode: h.gate.Mode(),
		Routes:   h.resolver.Prefixes(),
	})
}
