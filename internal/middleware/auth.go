// Package middleware holds the HTTP middleware shared by the API routes.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/auth"
	"github.com/ukydev/usage-integrity/internal/models"
)

type contextKey string

// UserContextKey holds the caller's *models.Claims on authenticated requests.
const UserContextKey contextKey = "user"

// AuthMiddleware guards the operator API. Login and health stay public.
type AuthMiddleware struct {
	authService *auth.Service
	publicPaths []string
}

func NewAuthMiddleware(authService *auth.Service) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		publicPaths: []string{"/api/auth/login", "/health"},
	}
}

// Authenticate requires a "Bearer" token and stores its claims on the context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		token, err := m.authService.ExtractTokenFromHeader(header)
		var claims *models.Claims
		if err == nil {
			claims, err = m.authService.ValidateToken(token)
		}
		if err != nil {
			log.WithFields(log.Fields{
				"path":  r.URL.Path,
				"error": err,
			}).Debug("Rejected token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, claims)))
	})
}

// RequireRole admits the given role; admins pass every role check.
func (m *AuthMiddleware) RequireRole(role models.Role) func(http.Handler) http.Handler {
	return authorize(func(c *models.Claims) bool {
		return c.Role == role || c.Role == models.RoleAdmin
	})
}

// RequirePermission admits roles allowed to perform action, one of the
// models.Action* values (ingest, reconcile, resolve_anomaly, file_claim, view).
func (m *AuthMiddleware) RequirePermission(action string) func(http.Handler) http.Handler {
	return authorize(func(c *models.Claims) bool {
		return (&models.User{Role: c.Role}).HasPermission(action)
	})
}

func authorize(allowed func(*models.Claims) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "User context not found", http.StatusUnauthorized)
				return
			}
			if !allowed(claims) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func GetUserFromContext(ctx context.Context) (*models.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*models.Claims)
	return claims, ok
}

func (m *AuthMiddleware) isPublic(path string) bool {
	for _, p := range m.publicPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// RateLimitMiddleware is a sliding-window limiter keyed by client IP.
type RateLimitMiddleware struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	now      func() time.Time
}

func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RateLimit allows at most maxRequests per client within window.
func (m *RateLimitMiddleware) RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			now := m.now()
			windowStart := now.Add(-window)

			m.mu.Lock()
			kept := m.requests[clientIP][:0]
			for _, ts := range m.requests[clientIP] {
				if ts.After(windowStart) {
					kept = append(kept, ts)
				}
			}
			if len(kept) >= maxRequests {
				m.requests[clientIP] = kept
				m.mu.Unlock()
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			m.requests[clientIP] = append(kept, now)
			m.mu.Unlock()

			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request with the chi request id.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": chimw.GetReqID(r.Context()),
		}
		if claims, ok := GetUserFromContext(r.Context()); ok {
			fields["user"] = claims.Username
		}
		entry := log.WithFields(fields)
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	})
}

// getClientIP keys the limiter: first forwarded hop, then X-Real-IP, then the
// peer address.
func getClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
