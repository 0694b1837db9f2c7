package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-router-go/internal/auth"
	"edge-router-go/internal/middleware"
	"edge-router-go/internal/model"
	"edge-router-go/internal/router"
	"edge-router-go/internal/service"
)

// Synthesized error bodies. Clients match on these exact bytes.
var (
	bodyNoToken        = []byte(`{"error":"Unauthorized: No token"}`)
	bodyInvalidToken   = []byte(`{"error":"Unauthorized: Invalid token"}`)
	bodyMalformedJSON  = []byte(`{"error":"Bad Request: Malformed JSON body"}`)
	bodyUnreadable     = []byte(`{"error":"Bad Request: Unreadable body"}`)
	bodyBackendFailure = []byte(`{"error":"Backend unreachable"}`)
)

// ProxyHandler is the edge intercept: it resolves the route, runs the auth
// gate, forwards to the backend and composes the response.
type ProxyHandler struct {
	resolver *router.Resolver
	gate     *auth.Gate
	service  *service.ProxyService
	cors     middleware.CORSPolicy
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(
	resolver *router.Resolver,
	gate *auth.Gate,
	svc *service.ProxyService,
	cors middleware.CORSPolicy,
	logger *slog.Logger,
) *ProxyHandler {
	return &ProxyHandler{
		resolver: resolver,
		gate:     gate,
		service:  svc,
		cors:     cors,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Intercept is an Echo middleware. Requests whose path matches no route are
// passed to next untouched; everything else is proxied.
func (h *ProxyHandler) Intercept(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		path := router.CleanPath(req.URL.EscapedPath())

		m, ok := h.resolver.Resolve(path, req.URL.RawQuery)
		if !ok {
			return next(c)
		}
		c.Set(middleware.RouteKey, m.Route)
		return h.handle(c, path, m)
	}
}

func (h *ProxyHandler) handle(c echo.Context, path string, m router.Match) error {
	req := c.Request()

	id, err := h.gate.Authorize(path, req.Header)
	if err != nil {
		return h.mapError(c, m, err)
	}

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		RequestID:     c.Response().Header().Get(echo.HeaderXRequestID),
	}

	resp, err := h.service.Forward(pr, m, id)
	if err != nil {
		return h.mapError(c, m, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Backend headers replace anything set earlier in the chain, then the
	// CORS policy replaces the backend's own CORS headers.
	out := c.Response().Header()
	for key, vals := range resp.Header {
		out[key] = vals
	}
	h.cors.Apply(out)

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a mid-stream failure can only
	// truncate the body.
	if _, err := io.Copy(flushWriter{c.Response()}, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"route", m.Route,
			"path", path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, m router.Match, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, auth.ErrNoToken):
		return h.writeError(c, http.StatusUnauthorized, bodyNoToken)

	case errors.Is(err, auth.ErrInvalidToken):
		return h.writeError(c, http.StatusUnauthorized, bodyInvalidToken)

	case errors.Is(err, service.ErrMalformedBody):
		h.logger.Info("rejecting malformed JSON body", "route", m.Route, "path", path)
		return h.writeError(c, http.StatusBadRequest, bodyMalformedJSON)
	}

	// BodyLimit surfaces as a read error on the request body; its middleware
	// writes the response.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		h.cors.Apply(c.Response().Header())
		return he
	}

	if errors.Is(err, service.ErrUnreadableBody) {
		h.logger.Info("request body read failed", "err", err, "route", m.Route, "path", path)
		return h.writeError(c, http.StatusBadRequest, bodyUnreadable)
	}

	h.logger.Error("backend unreachable",
		"err", err,
		"reason", failureReason(err),
		"route", m.Route,
		"path", path,
	)
	return h.writeError(c, http.StatusServiceUnavailable, bodyBackendFailure)
}

func (h *ProxyHandler) writeError(c echo.Context, status int, body []byte) error {
	h.cors.Apply(c.Response().Header())
	return c.Blob(status, echo.MIMEApplicationJSON, body)
}

// failureReason classifies a transport error for the log line. The client
// always sees the same 503.
func failureReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "connection"
}

// flushWriter flushes after every write so streamed bodies (server-sent
// events, chunked downloads) reach the client as they arrive.
type flushWriter struct {
	res *echo.Response
}

func (w flushWriter) Write(p []byte) (int, error) {
	n, err := w.res.Write(p)
	if _, ok := w.res.Writer.(http.Flusher); ok {
		w.res.Flush()
	}
	return n, err
}
