// Package service builds outbound backend requests and forwards them.
package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"edge-router-go/internal/client"
	"edge-router-go/internal/config"
	"edge-router-go/internal/model"
	"edge-router-go/internal/router"
)

// Body errors returned by Transform. No backend is called when either occurs.
var (
	ErrMalformedBody  = errors.New("malformed JSON body")
	ErrUnreadableBody = errors.New("unreadable request body")
)

// hopByHopHeaders are headers that must not be forwarded by proxies (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyService turns matched inbound requests into backend calls.
type ProxyService struct {
	client         *client.BackendClient
	identityHeader string
	logger         *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:         c,
		identityHeader: http.CanonicalHeaderKey(cfg.Auth.IdentityHeader),
		logger:         logger.With("component", "proxy_service"),
	}
}

// Forward transforms pr for the matched backend and performs the call.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest, m router.Match, id *model.Identity) (*model.ProxyResponse, error) {
	out, err := s.Transform(pr, m, id)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"route", out.Route,
		"target", out.URL.Redacted(),
	)

	resp, err := s.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forward to backend: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// Transform builds the outbound request. The inbound header map is copied,
// never mutated, and the inbound body is consumed at most once.
func (s *ProxyService) Transform(pr *model.ProxyRequest, m router.Match, id *model.Identity) (*model.OutboundRequest, error) {
	out := &model.OutboundRequest{
		Ctx:    pr.Ctx,
		Route:  m.Route,
		Method: pr.Method,
		URL:    m.URL,
		Host:   m.Host,
		Header: s.filterRequestHeaders(pr.Header),
	}

	if pr.RequestID != "" && out.Header.Get("X-Request-Id") == "" {
		out.Header.Set("X-Request-Id", pr.RequestID)
	}
	if id != nil {
		out.Header.Set(s.identityHeader, id.Subject)
	}

	if pr.Method == http.MethodGet || pr.Method == http.MethodHead || pr.Body == nil {
		return out, nil
	}

	if !strings.Contains(strings.ToLower(pr.Header.Get("Content-Type")), "application/json") {
		out.Body = pr.Body
		out.ContentLength = pr.ContentLength
		return out, nil
	}

	body, err := reencodeJSON(pr.Body)
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		out.Body = bytes.NewReader(body)
		out.ContentLength = int64(len(body))
	}
	return out, nil
}

// reencodeJSON reads a JSON document and returns it compacted. Key order and
// number literals are kept. An empty body stays empty. The document must
// follow RFC 8259 strictly, including UTF-8 encoding.
func reencodeJSON(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableBody, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if !utf8.Valid(raw) || !json.Valid(raw) {
		return nil, ErrMalformedBody
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedBody, err)
	}
	return buf.Bytes(), nil
}

// filterRequestHeaders copies src without Host, Content-Length, hop-by-hop
// headers (including any named in Connection) and the identity header.
func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	drop := map[string]bool{
		"Host":           true,
		"Content-Length": true,
	}
	for _, h := range hopByHopHeaders {
		drop[h] = true
	}
	if s.identityHeader != "" {
		drop[s.identityHeader] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				drop[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		if drop[http.CanonicalHeaderKey(key)] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers from a backend response.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
