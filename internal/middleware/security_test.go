package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-ranking/internal/security"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestNewSecurityMiddleware(t *testing.T) {
	config := &SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"test-key-0001"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
	}

	middleware := NewSecurityMiddleware(config, testLogger())
	defer middleware.Stop()

	assert.NotNil(t, middleware.Authenticator())
	assert.NotNil(t, middleware.rateLimiter)
	assert.NotNil(t, middleware.auditor)
}

func TestSecurityMiddleware_RateLimiterDisabled(t *testing.T) {
	middleware := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		RateLimit: &security.RateLimitConfig{RequestsPerMinute: 1},
	}, testLogger())
	defer middleware.Stop()

	assert.Nil(t, middleware.rateLimiter)
	assert.Nil(t, middleware.Authenticator())
}

func TestSecurityMiddleware_Handler(t *testing.T) {
	middleware := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     []string{"test-key-0001"},
			RequireAuth: true,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         2,
		},
	}, testLogger())
	defer middleware.Stop()

	handler := middleware.Handler()(okHandler())

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/providers/openai/outcomes", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := send("")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = send("test-key-0001")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, http.StatusAccepted, send("test-key-0001").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("test-key-0001").Code)
}

func TestSecurityMiddleware_CORSMiddleware(t *testing.T) {
	middleware := NewSecurityMiddleware(&SecurityMiddlewareConfig{
		AllowedOrigins: []string{"https://dashboard.example.com"},
	}, testLogger())
	defer middleware.Stop()

	handler := middleware.CORSMiddleware()(okHandler())

	tests := []struct {
		name        string
		origin      string
		method      string
		wantStatus  int
		wantAllowed string
	}{
		{"allowed origin", "https://dashboard.example.com", http.MethodGet, http.StatusAccepted, "https://dashboard.example.com"},
		{"unknown origin", "https://evil.example.com", http.MethodGet, http.StatusAccepted, ""},
		{"preflight", "https://dashboard.example.com", http.MethodOptions, http.StatusOK, "https://dashboard.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/rankings", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllowed, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestSecurityMiddleware_CORSWildcard(t *testing.T) {
	middleware := NewSecurityMiddleware(&SecurityMiddlewareConfig{AllowedOrigins: []string{"*"}}, testLogger())
	defer middleware.Stop()

	req := httptest.NewRequest(http.MethodGet, "/v1/rankings", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	middleware.CORSMiddleware()(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
