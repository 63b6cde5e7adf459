package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/cors"

	"vodforge/internal/api"
)

// CORSConfig declares the origins allowed to call the API from a browser.
// A lone "*" allows any origin without credentials; an empty list permits
// only same-origin requests.
type CORSConfig struct {
	AllowedOrigins []string
}

func newCORS(cfg CORSConfig) (func(http.Handler) http.Handler, error) {
	origins := make([]string, 0, len(cfg.AllowedOrigins))
	wildcard := false
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			wildcard = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		origins = append(origins, normalized)
	}
	if wildcard {
		origins = []string{"*"}
	}
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", api.IdentityHeader, requestIDHeader, fileHashHeader},
		ExposedHeaders:   []string{requestIDHeader, "Location", "Retry-After"},
		AllowCredentials: !wildcard,
		MaxAge:           86400,
	}), nil
}

func normalizeOrigin(origin string) (string, error) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}
