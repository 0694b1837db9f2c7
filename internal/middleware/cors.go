package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"edge-router-go/internal/config"
)

// CORSPolicy is the process-wide CORS header set. It is immutable after
// construction and attached to every proxied, synthesized and preflight response.
type CORSPolicy struct {
	AllowedOrigin    string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool

	methods string
	headers string
}

// NewCORSPolicy builds the policy from config and pre-joins header values.
func NewCORSPolicy(cfg *config.Config) CORSPolicy {
	return CORSPolicy{
		AllowedOrigin:    cfg.CORS.AllowedOrigin,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		methods:          strings.Join(cfg.CORS.AllowedMethods, ", "),
		headers:          strings.Join(cfg.CORS.AllowedHeaders, ", "),
	}
}

// Apply sets the policy headers on h, overwriting any existing values.
func (p CORSPolicy) Apply(h http.Header) {
	h.Set(echo.HeaderAccessControlAllowOrigin, p.AllowedOrigin)
	h.Set(echo.HeaderAccessControlAllowMethods, p.methods)
	h.Set(echo.HeaderAccessControlAllowHeaders, p.headers)
	if p.AllowCredentials {
		h.Set(echo.HeaderAccessControlAllowCredentials, "true")
	}
}

// Preflight answers every OPTIONS request with the policy headers and an
// empty 204, before any route resolution.
func Preflight(p CORSPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodOptions {
				return next(c)
			}
			p.Apply(c.Response().Header())
			return c.NoContent(http.StatusNoContent)
		}
	}
}
