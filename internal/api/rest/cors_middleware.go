package rest

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// CORSConfig configures cross-origin access for browser clients
type CORSConfig struct {
	// Exact origins or single-wildcard patterns such as "https://*.example.com"
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         time.Duration
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         12 * time.Hour,
	}
}

// CORSMiddleware answers preflight requests and decorates responses for
// allowed origins. It wraps the router because preflights match no route.
type CORSMiddleware struct {
	exact          map[string]bool
	patterns       []string
	any            bool
	allowedMethods string
	allowedHeaders string
	exposedHeaders string
	maxAge         string
}

func NewCORSMiddleware(config CORSConfig) *CORSMiddleware {
	c := &CORSMiddleware{
		exact:          make(map[string]bool),
		allowedMethods: strings.Join(config.AllowedMethods, ", "),
		allowedHeaders: strings.Join(config.AllowedHeaders, ", "),
		exposedHeaders: strings.Join(config.ExposedHeaders, ", "),
		maxAge:         strconv.Itoa(int(config.MaxAge.Seconds())),
	}
	for _, origin := range config.AllowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		switch {
		case origin == "*":
			c.any = true
		case strings.Count(origin, "*") == 1:
			c.patterns = append(c.patterns, origin)
		case origin != "":
			c.exact[origin] = true
		}
	}
	return c
}

func (c *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		if origin != "" {
			w.Header().Add("Vary", "Origin")
		}
		if !c.AllowsOrigin(origin) {
			if preflight {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("Access-Control-Allow-Origin", origin)
		if preflight {
			headers.Set("Access-Control-Allow-Methods", c.allowedMethods)
			headers.Set("Access-Control-Allow-Headers", c.allowedHeaders)
			headers.Set("Access-Control-Max-Age", c.maxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if c.exposedHeaders != "" {
			headers.Set("Access-Control-Expose-Headers", c.exposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

// AllowsOrigin reports whether origin may call the API. An empty origin
// (same-origin or non-browser client) is never a cross-origin match.
func (c *CORSMiddleware) AllowsOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	if c.any {
		return true
	}
	origin = strings.ToLower(origin)
	if c.exact[origin] {
		return true
	}
	for _, pattern := range c.patterns {
		prefix, suffix, _ := strings.Cut(pattern, "*")
		if len(origin) > len(prefix)+len(suffix) && strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}

// CheckOrigin is a WebSocket upgrader origin check. Requests without an
// Origin header and same-host requests pass.
func (c *CORSMiddleware) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return c.AllowsOrigin(origin)
}
