// Package auth implements the token gate in front of proxied routes.
//
// A token is read from a cookie, checked by a Verifier and reduced to a
// model.Identity whose subject is forwarded to the backend in a header.
// Public route prefixes bypass the gate entirely.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"edge-router-go/internal/config"
	"edge-router-go/internal/metrics"
	"edge-router-go/internal/model"
)

// Sentinel errors returned by Gate.Authorize.
var (
	ErrNoToken      = errors.New("no token")
	ErrInvalidToken = errors.New("invalid token")
)

// Gate decides whether a request may reach a backend.
type Gate struct {
	mode         string
	verifier     Verifier
	cookieName   string
	subjectClaim string
	publicRoutes []string
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewGate creates a Gate from the auth config.
// The metrics parameter is optional; pass nil to disable outcome counting.
func NewGate(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Gate, error) {
	g := &Gate{
		mode:         cfg.Auth.Mode,
		cookieName:   cfg.Auth.CookieName,
		subjectClaim: cfg.Auth.SubjectClaim,
		publicRoutes: cfg.Auth.PublicRoutes,
		logger:       logger.With("component", "auth_gate"),
		metrics:      m,
	}

	switch cfg.Auth.Mode {
	case config.AuthModeVerify:
		g.verifier = NewHMACVerifier(cfg.Auth.Secret)
	case config.AuthModeDecode:
		g.verifier = NewUnverifiedDecoder()
		g.logger.Warn("auth mode is decode: token signatures are NOT checked")
	case config.AuthModeDisabled:
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}

	return g, nil
}

// Mode returns the configured auth mode.
func (g *Gate) Mode() string {
	return g.mode
}

// Authorize returns the caller identity for a protected route, or nil when
// the route needs no authentication. path is the inbound path, before rewrite.
func (g *Gate) Authorize(path string, header http.Header) (*model.Identity, error) {
	if g.verifier == nil {
		g.record(metrics.AuthDisabled)
		return nil, nil
	}
	if g.isPublic(path) {
		g.record(metrics.AuthPublic)
		return nil, nil
	}

	lookup := LookupToken(header, g.cookieName)
	if !lookup.Found {
		g.record(metrics.AuthNoToken)
		return nil, ErrNoToken
	}

	claims, err := g.verifier.Verify(lookup.Value)
	if err != nil {
		g.record(metrics.AuthInvalid)
		g.logger.Debug("token rejected", "err", err, "path", path)
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	subject, _ := claims[g.subjectClaim].(string)
	if subject == "" {
		g.record(metrics.AuthInvalid)
		return nil, fmt.Errorf("%w: claim %q missing or not a string", ErrInvalidToken, g.subjectClaim)
	}

	g.record(metrics.AuthAccepted)
	return &model.Identity{Subject: subject}, nil
}

func (g *Gate) isPublic(path string) bool {
	for _, p := range g.publicRoutes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (g *Gate) record(outcome string) {
	if g.metrics != nil {
		g.metrics.AuthDecisions.WithLabelValues(outcome).Inc()
	}
}
