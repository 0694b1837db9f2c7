// Package model defines shared types for the edge router pipeline.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents an inbound client request that matched a route.
type ProxyRequest struct {
	Ctx           context.Context
	Method        string
	Path          string // escaped path as received
	RawQuery      string
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	RequestID     string
}

// OutboundRequest is the request sent to a backend. Header is a filtered copy;
// it never aliases the inbound header map.
type OutboundRequest struct {
	Ctx           context.Context
	Route         string // matched route prefix, used as a metrics label
	Method        string
	URL           *url.URL
	Host          string
	Header        http.Header
	Body          io.Reader
	ContentLength int64
}

// ProxyResponse represents the backend response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Identity is the caller identity derived from a token.
type Identity struct {
	Subject string
}
