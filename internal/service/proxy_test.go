package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"

	"edge-router-go/internal/client"
	"edge-router-go/internal/config"
	"edge-router-go/internal/model"
	"edge-router-go/internal/router"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		Routes: []config.RouteConfig{
			{Prefix: "/api/social", RewritePrefix: "/api", Backend: backend},
		},
		Auth:     config.AuthConfig{IdentityHeader: "X-User-Id"},
		Upstream: config.UpstreamConfig{IdleConnections: 10},
	}
}

func newTestService(t *testing.T, cfg *config.Config) *ProxyService {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewBackendClient(cfg, logger, nil), cfg, logger)
}

func resolve(t *testing.T, cfg *config.Config, path, query string) router.Match {
	t.Helper()
	r, err := router.NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	m, ok := r.Resolve(path, query)
	if !ok {
		t.Fatalf("Resolve(%q) found no route", path)
	}
	return m
}

func TestFilterRequestHeaders(t *testing.T) {
	s := &ProxyService{identityHeader: "X-User-Id"}
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/json"},
		"Content-Length":      {"42"},
		"Host":                {"frontend.example.com"},
		"Authorization":       {"Bearer secret"},
		"Cookie":              {"token=abc"},
		"Connection":          {"keep-alive, X-Hop"},
		"X-Hop":               {"1"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Upgrade":             {"websocket"},
		"X-User-Id":           {"spoofed"},
		"X-Custom-Header":     {"kept"},
	}

	dst := s.filterRequestHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Content-Type forwarded", "Content-Type", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"Cookie forwarded", "Cookie", 1},
		{"custom header forwarded", "X-Custom-Header", 1},
		{"Host stripped", "Host", 0},
		{"Content-Length stripped", "Content-Length", 0},
		{"Connection stripped", "Connection", 0},
		{"header named by Connection stripped", "X-Hop", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"identity header stripped", "X-User-Id", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	// The inbound map must be left untouched.
	if src.Get("Host") != "frontend.example.com" || src.Get("X-User-Id") != "spoofed" {
		t.Error("filterRequestHeaders mutated the inbound header map")
	}
	dst.Set("Accept", "text/plain")
	if src.Get("Accept") != "application/json" {
		t.Error("filtered copy aliases inbound header values")
	}
}

func TestFilterResponseHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Content-Length":    {"42"},
		"Set-Cookie":        {"session=abc"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"close, X-Internal"},
		"X-Internal":        {"1"},
	}

	dst := filterResponseHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Content-Type relayed", "Content-Type", 1},
		{"Content-Length relayed", "Content-Length", 1},
		{"Set-Cookie relayed", "Set-Cookie", 1},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Connection stripped", "Connection", 0},
		{"header named by Connection stripped", "X-Internal", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestTransform_Headers(t *testing.T) {
	cfg := testConfig("https://social.example.com")
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/feed", "x=1")

	pr := &model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		Path:      "/api/social/feed",
		RawQuery:  "x=1",
		Header:    http.Header{"Content-Length": {"0"}, "X-User-Id": {"spoofed"}},
		RequestID: "req-1",
	}

	out, err := s.Transform(pr, m, &model.Identity{Subject: "user-123"})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}

	if out.Host != "social.example.com" {
		t.Errorf("Host = %q, want %q", out.Host, "social.example.com")
	}
	if got := out.URL.String(); got != "https://social.example.com/api/feed?x=1" {
		t.Errorf("URL = %q", got)
	}
	if got := out.Header.Get("X-User-Id"); got != "user-123" {
		t.Errorf("X-User-Id = %q, want %q", got, "user-123")
	}
	if got := out.Header.Get("X-Request-Id"); got != "req-1" {
		t.Errorf("X-Request-Id = %q, want %q", got, "req-1")
	}
	if out.Header.Get("Content-Length") != "" {
		t.Error("Content-Length should not be copied")
	}
	if out.Body != nil {
		t.Error("GET request should have no body")
	}
}

func TestTransform_NoIdentityDropsSpoofedHeader(t *testing.T) {
	cfg := testConfig("https://social.example.com")
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/feed", "")

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{"X-User-Id": {"spoofed"}},
	}
	out, err := s.Transform(pr, m, nil)
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got := out.Header.Get("X-User-Id"); got != "" {
		t.Errorf("X-User-Id = %q, want empty", got)
	}
}

func TestTransform_Body(t *testing.T) {
	cfg := testConfig("https://social.example.com")
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/post", "")

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantJSON    bool
		wantRaw     string
		wantEmpty   bool
		wantErr     error
	}{
		{
			name:        "json re-encoded",
			method:      http.MethodPost,
			contentType: "application/json; charset=utf-8",
			body:        "{\n  \"user\": \"a\",\n  \"n\": 1.50\n}",
			wantJSON:    true,
		},
		{
			name:        "form passes through byte-identical",
			method:      http.MethodPost,
			contentType: "application/x-www-form-urlencoded",
			body:        "a=1&b=%20two",
			wantRaw:     "a=1&b=%20two",
		},
		{
			name:        "binary passes through",
			method:      http.MethodPut,
			contentType: "application/octet-stream",
			body:        "\x00\x01{not json",
			wantRaw:     "\x00\x01{not json",
		},
		{
			name:        "malformed json",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"user":`,
			wantErr:     ErrMalformedBody,
		},
		{
			name:        "leading zero",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `01`,
			wantErr:     ErrMalformedBody,
		},
		{
			name:        "lone minus",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `-`,
			wantErr:     ErrMalformedBody,
		},
		{
			name:        "invalid utf-8 in string",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        "\"\xff\"",
			wantErr:     ErrMalformedBody,
		},
		{
			name:        "trailing garbage",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"a":1} x`,
			wantErr:     ErrMalformedBody,
		},
		{
			name:        "large exponent is valid",
			method:      http.MethodPost,
			contentType: "application/json",
			body:        `{"a" : 1e400}`,
			wantRaw:     `{"a":1e400}`,
		},
		{
			name:        "empty json body",
			method:      http.MethodDelete,
			contentType: "application/json",
			body:        "",
			wantEmpty:   true,
		},
		{
			name:        "head has no body",
			method:      http.MethodHead,
			contentType: "application/json",
			body:        `{"ignored":true}`,
			wantEmpty:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pr := &model.ProxyRequest{
				Ctx:           context.Background(),
				Method:        tt.method,
				Header:        http.Header{"Content-Type": {tt.contentType}},
				Body:          io.NopCloser(strings.NewReader(tt.body)),
				ContentLength: int64(len(tt.body)),
			}

			out, err := s.Transform(pr, m, nil)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Transform() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}

			if tt.wantEmpty {
				if out.Body != nil {
					t.Errorf("Body = %v, want nil", out.Body)
				}
				return
			}

			got, err := io.ReadAll(out.Body)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if out.ContentLength != int64(len(got)) {
				t.Errorf("ContentLength = %d, want %d", out.ContentLength, len(got))
			}

			if tt.wantJSON {
				assertSameJSON(t, string(got), tt.body)
				if strings.ContainsAny(string(got), "\n ") {
					t.Errorf("re-encoded body not compact: %q", got)
				}
				return
			}
			if string(got) != tt.wantRaw {
				t.Errorf("body = %q, want %q", got, tt.wantRaw)
			}
		})
	}
}

func TestTransform_UnreadableBody(t *testing.T) {
	cfg := testConfig("https://social.example.com")
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/post", "")

	readErr := errors.New("client went away")
	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   io.NopCloser(iotest.ErrReader(readErr)),
	}

	_, err := s.Transform(pr, m, nil)
	if !errors.Is(err, ErrUnreadableBody) {
		t.Fatalf("Transform() error = %v, want %v", err, ErrUnreadableBody)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("Transform() error = %v, want it to wrap the read error", err)
	}
	if errors.Is(err, ErrMalformedBody) {
		t.Errorf("Transform() error = %v, must not be reported as malformed", err)
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/feed" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/api/feed")
		}
		if r.URL.RawQuery != "x=1" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "x=1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=abc")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/feed", "x=1")

	pr := &model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/api/social/feed",
		RawQuery: "x=1",
		Header:   http.Header{},
	}

	resp, err := s.Forward(pr, m, nil)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("Set-Cookie") != "session=abc" {
		t.Errorf("Set-Cookie = %q, want relayed", resp.Header.Get("Set-Cookie"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"result":"ok"}`)
	}
}

func TestForward_Unreachable(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	s := newTestService(t, cfg)
	m := resolve(t, cfg, "/api/social/feed", "")

	pr := &model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Header: http.Header{},
	}
	if _, err := s.Forward(pr, m, nil); err == nil {
		t.Fatal("Forward() expected error for unreachable backend, got nil")
	}
}

// assertSameJSON compares two JSON documents by meaning, not bytes.
func assertSameJSON(t *testing.T, got, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal([]byte(got), &g); err != nil {
		t.Fatalf("unmarshal got %q: %v", got, err)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("unmarshal want %q: %v", want, err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}
