package middleware

import (
	"net/http"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/security"
)

// SecurityMiddlewareConfig holds configuration for security middleware
type SecurityMiddlewareConfig struct {
	Auth           *security.Config          `yaml:"auth"`
	RateLimit      *security.RateLimitConfig `yaml:"rate_limit"`
	AllowedOrigins []string                  `yaml:"allowed_origins"`
}

// SecurityMiddleware combines the guards applied to mutating endpoints
type SecurityMiddleware struct {
	authenticator *security.Authenticator
	rateLimiter   *security.RateLimiter
	auditor       *security.AuditLogger
	origins       []string
	logger        *logrus.Logger
}

// NewSecurityMiddleware creates a new security middleware stack
func NewSecurityMiddleware(config *SecurityMiddlewareConfig, logger *logrus.Logger) *SecurityMiddleware {
	s := &SecurityMiddleware{
		auditor: security.NewAuditLogger(logger),
		origins: config.AllowedOrigins,
		logger:  logger,
	}
	if config.Auth != nil {
		s.authenticator = security.NewAuthenticator(config.Auth, logger)
	}
	if config.RateLimit != nil && config.RateLimit.Enabled {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit, logger)
	}
	return s
}

// Authenticator returns the configured authenticator, or nil
func (s *SecurityMiddleware) Authenticator() *security.Authenticator {
	return s.authenticator
}

// Handler creates the chain for write routes: audit, authentication,
// rate limiting, then security headers.
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		// Build middleware chain in reverse order (innermost first)
		handler := securityHeaders(next)

		// Rate limiting runs after auth so keys are per subject
		if s.rateLimiter != nil {
			handler = s.rateLimiter.Middleware(security.DefaultKeyExtractor)(handler)
		}
		if s.authenticator != nil {
			handler = s.authenticator.Middleware()(handler)
		}

		return s.auditor.Middleware()(handler)
	}
}

// CORSMiddleware answers preflight requests and tags responses for the
// allowed origins.
func (s *SecurityMiddleware) CORSMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Stop releases background resources
func (s *SecurityMiddleware) Stop() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
