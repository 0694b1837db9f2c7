// Package middleware provides Echo middleware for preflight, body limits,
// logging, metrics and security headers.
package middleware
