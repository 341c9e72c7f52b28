package gateway

import "strings"

// DefaultPublicPaths are reachable without a session.
var DefaultPublicPaths = []string{"/auth", "/healthz", "/readyz", "/metrics", "/static", "/favicon.ico"}

// RouteClassifier separates public routes from protected ones by path prefix.
type RouteClassifier struct {
	publicPrefixes []string
}

// NewRouteClassifier builds a classifier. Prefixes match whole path segments.
func NewRouteClassifier(publicPrefixes []string) RouteClassifier {
	normalized := make([]string, 0, len(publicPrefixes))
	for _, prefix := range publicPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if prefix != "/" {
			prefix = strings.TrimSuffix(prefix, "/")
		}
		normalized = append(normalized, prefix)
	}
	return RouteClassifier{publicPrefixes: normalized}
}

// IsPublic reports whether path is reachable without a session.
func (classifier RouteClassifier) IsPublic(path string) bool {
	for _, prefix := range classifier.publicPrefixes {
		if prefix == "/" {
			if path == "/" {
				return true
			}
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}
