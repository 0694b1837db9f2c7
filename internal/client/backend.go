// Package client provides the outbound HTTP client used to reach backends.
package client

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"edge-router-go/internal/config"
	"edge-router-go/internal/metrics"
	"edge-router-go/internal/model"
)

// BackendClient sends proxied requests to backend services.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient with connection pooling.
// An overall timeout is only applied when upstream.timeout_seconds is set.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}
}

// Do performs exactly one call to the backend. There are no retries.
// The caller is responsible for closing the response body.
// out.Ctx controls the lifetime of the call: when it is canceled (e.g. the
// client disconnects), the backend request is canceled too.
func (c *BackendClient) Do(out *model.OutboundRequest) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(out.Ctx, out.Method, out.URL.String(), out.Body)
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	req.Header = out.Header
	req.Host = out.Host
	if out.Body != nil {
		req.ContentLength = out.ContentLength
	}

	c.logger.Debug("backend request",
		"method", req.Method,
		"route", out.Route,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method, out.Route).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(out.Route).Inc()
		}
		return nil, fmt.Errorf("backend request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method, out.Route).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, out.Route, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
