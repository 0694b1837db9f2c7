// Package router resolves inbound paths to backend targets.
package router

import (
	"fmt"
	"net/url"
	"strings"

	"edge-router-go/internal/config"
)

// Rule maps a path prefix to a backend base URL.
type Rule struct {
	Prefix        string
	RewritePrefix string
	Backend       string
}

// Match is a resolved backend target.
type Match struct {
	Route string   // prefix of the rule that matched
	URL   *url.URL // backend base + rewritten path + original query
	Host  string   // backend authority, host[:port]
}

type route struct {
	Rule
	base *url.URL
}

// Resolver holds the compiled route table. It is read-only after New.
type Resolver struct {
	routes []route
}

// New compiles rules in declaration order.
func New(rules []Rule) (*Resolver, error) {
	r := &Resolver{routes: make([]route, 0, len(rules))}
	for _, rule := range rules {
		u, err := url.Parse(rule.Backend)
		if err != nil {
			return nil, fmt.Errorf("parse backend %q for prefix %q: %w", rule.Backend, rule.Prefix, err)
		}
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
		r.routes = append(r.routes, route{Rule: rule, base: u})
	}
	return r, nil
}

// NewFromConfig builds a Resolver from the configured route table.
func NewFromConfig(cfg *config.Config) (*Resolver, error) {
	rules := make([]Rule, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		rules = append(rules, Rule{
			Prefix:        rc.Prefix,
			RewritePrefix: rc.RewritePrefix,
			Backend:       rc.Backend,
		})
	}
	return New(rules)
}

// Resolve returns the target for path, or false when no rule matches.
// The first rule whose prefix matches wins; there is no longest-prefix
// tie-break. path must be the escaped form and rawQuery is appended verbatim.
func (r *Resolver) Resolve(path, rawQuery string) (Match, bool) {
	for _, rt := range r.routes {
		rest, ok := strings.CutPrefix(path, rt.Prefix)
		if !ok {
			continue
		}

		u := *rt.base
		escaped := u.EscapedPath() + rt.RewritePrefix + rest
		if p, err := url.PathUnescape(escaped); err == nil {
			u.Path = p
			u.RawPath = escaped
		} else {
			u.Path = escaped
		}
		u.RawQuery = rawQuery

		return Match{Route: rt.Prefix, URL: &u, Host: rt.base.Host}, true
	}
	return Match{}, false
}

// Prefixes returns the configured prefixes in declaration order.
func (r *Resolver) Prefixes() []string {
	out := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, rt.Prefix)
	}
	return out
}

// CleanPath resolves "." and ".." segments of an escaped path the way a URL
// parser does, so that routing and the public-route check see the path the
// backend will serve. A segment counts as a dot segment by its decoded value,
// so "%2e%2e" and ".%2E" are resolved too. Other escapes are kept verbatim.
// A trailing slash is kept, and a trailing dot segment leaves one.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.Contains(p, ".") && !strings.Contains(strings.ToLower(p), "%2e") {
		return p
	}

	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	out := make([]string, 0, len(segments))
	trailing := false
	for i, seg := range segments {
		last := i == len(segments)-1
		switch dotSegment(seg) {
		case ".":
			trailing = last
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			trailing = last
		default:
			out = append(out, seg)
		}
	}

	cleaned := "/" + strings.Join(out, "/")
	if trailing && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// dotSegment returns "." or ".." when seg decodes to one of them.
func dotSegment(seg string) string {
	if seg == "" || len(seg) > len("%2e%2e") {
		return ""
	}
	decoded, err := url.PathUnescape(seg)
	if err != nil {
		return ""
	}
	if decoded == "." || decoded == ".." {
		return decoded
	}
	return ""
}
