package auth

import (
	"net/http"
	"strings"
)

// TokenLookup is the result of scanning the Cookie headers for a token.
type TokenLookup struct {
	Value string
	Found bool
}

// LookupToken scans every Cookie header for the first segment named name.
// Segments are split on ';' and trimmed; the value is everything after the
// first '='. An empty value is reported as not found.
func LookupToken(header http.Header, name string) TokenLookup {
	for _, line := range header.Values("Cookie") {
		for _, segment := range strings.Split(line, ";") {
			key, value, ok := strings.Cut(strings.TrimSpace(segment), "=")
			if !ok || key != name {
				continue
			}
			if value == "" {
				return TokenLookup{}
			}
			return TokenLookup{Value: value, Found: true}
		}
	}
	return TokenLookup{}
}
