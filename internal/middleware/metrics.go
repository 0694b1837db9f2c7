package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"edge-router-go/internal/metrics"
)

// RouteKey is the echo context key under which the proxy stores the prefix of
// the matched route.
const RouteKey = "edge.route"

// routeLabel prefers the matched route prefix; locally served and unmatched
// paths fall back to the bounded prefix list.
func routeLabel(c echo.Context, m *metrics.Metrics) string {
	if route, ok := c.Get(RouteKey).(string); ok && route != "" {
		return route
	}
	return m.NormalizePath(c.Request().URL.Path)
}

// MetricsMiddleware records the in-flight gauge and per-route request
// counters and latencies.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			began := time.Now()
			err := next(c)
			elapsed := time.Since(began).Seconds()

			// An *echo.HTTPError is written later by the central error handler.
			code := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}

			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(code),
				routeLabel(c, m),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(elapsed)

			return err
		}
	}
}
