// Package auth covers the two identity layers of the server: API-key
// roles with CORS, IP whitelisting and per-caller rate limits on the
// HTTP edge, and agent signature verification for signed grade payloads.
package auth

import (
	"net"
	"net/http"
	"strings"

	"gradedb/pkg/logger"
	"gradedb/pkg/utils"
)

// Role represents the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

// Staff reports whether the role may see hidden rows and register rules.
func (r Role) Staff() bool {
	return r == RoleBackend || r == RoleAdmin
}

// SecConfig mirrors the security-related configuration driving
// authentication, CORS and rate limiting.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// Middleware authenticates requests by API key, applies CORS, the IP
// whitelist and per-caller rate limits, and exposes the resolved role via
// the X-Role-Name header for handlers.
func Middleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := newCallerLimiters(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(origin, cfg.AllowedOrigins) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type,X-API-Key,X-Agent-ID,X-Agent-Signature")
				w.Header().Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(r)
				if !ipWhitelisted(ip, cfg.IPWhitelist) {
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
					utils.JSONError(w, http.StatusForbidden, "forbidden")
					return
				}
			}

			// probes stay unauthenticated
			if (r.URL.Path == "/healthz" || r.URL.Path == "/readyz") && r.Method == http.MethodGet {
				r.Header.Set("X-Role-Name", RoleUnauth.String())
				next.ServeHTTP(w, r)
				return
			}

			role, key := authenticate(r, cfg)
			if role == RoleUnauth {
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			limKey := key
			if limKey == "" {
				limKey = clientIP(r)
			}
			if !limiters.Allow(limKey) {
				logger.Warn("request_rate_limited", "path", r.URL.Path, "remote", r.RemoteAddr)
				utils.JSONError(w, http.StatusTooManyRequests, "rate limited")
				return
			}

			r.Header.Set("X-Role-Name", role.String())
			next.ServeHTTP(w, r)
		})
	}
}

// RoleFromRequest reads the role resolved by Middleware.
func RoleFromRequest(r *http.Request) Role {
	switch r.Header.Get("X-Role-Name") {
	case "frontend":
		return RoleFrontend
	case "backend":
		return RoleBackend
	case "admin":
		return RoleAdmin
	}
	return RoleUnauth
}

func authenticate(r *http.Request, cfg SecConfig) (Role, string) {
	key := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if key == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if key == "" {
		return RoleUnauth, ""
	}
	if _, ok := cfg.AdminKeys[key]; ok {
		return RoleAdmin, key
	}
	if _, ok := cfg.BackendKeys[key]; ok {
		return RoleBackend, key
	}
	if _, ok := cfg.FrontendKeys[key]; ok {
		return RoleFrontend, key
	}
	return RoleUnauth, ""
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipWhitelisted(ip string, whitelist []string) bool {
	parsed := net.ParseIP(ip)
	for _, w := range whitelist {
		if w == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(w); err == nil && parsed != nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
