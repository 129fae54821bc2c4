package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	auth := NewAuthenticator(&Config{APIKeys: []string{"valid-key-1", "valid-key-2"}}, testLogger())

	tests := []struct {
		name    string
		apiKey  string
		wantErr bool
	}{
		{name: "valid API key 1", apiKey: "valid-key-1"},
		{name: "valid API key 2", apiKey: "valid-key-2"},
		{name: "invalid API key", apiKey: "invalid-key", wantErr: true},
		{name: "empty API key", apiKey: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := auth.ValidateAPIKey(tt.apiKey)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, info)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "api_key", info.AuthType)
			assert.True(t, info.Can(PermissionWrite))
			assert.NotContains(t, info.Subject, tt.apiKey)
		})
	}
}

func TestAuthenticator_JWTRoundTrip(t *testing.T) {
	auth := NewAuthenticator(&Config{JWTSecret: "test-secret"}, testLogger())

	token, err := auth.GenerateJWT("simulator", []string{PermissionWrite})
	require.NoError(t, err)

	claims, err := auth.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "simulator", claims.Subject)
	assert.Equal(t, []string{PermissionWrite}, claims.Permissions)

	info, err := auth.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", info.AuthType)
	require.NotNil(t, info.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *info.ExpiresAt, time.Minute)
}

func TestAuthenticator_RejectsForeignJWT(t *testing.T) {
	auth := NewAuthenticator(&Config{JWTSecret: "test-secret"}, testLogger())
	other := NewAuthenticator(&Config{JWTSecret: "other-secret"}, testLogger())

	token, err := other.GenerateJWT("intruder", []string{PermissionWrite})
	require.NoError(t, err)
	_, err = auth.ValidateJWT(token)
	assert.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   "late",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = auth.ValidateJWT(signed)
	assert.Error(t, err)

	_, err = NewAuthenticator(&Config{}, testLogger()).GenerateJWT("x", nil)
	assert.Error(t, err)
}

func TestAuthenticator_Middleware(t *testing.T) {
	auth := NewAuthenticator(&Config{
		APIKeys:     []string{"ingest-key-0001"},
		JWTSecret:   "test-secret",
		RequireAuth: true,
	}, testLogger())
	readOnly, err := auth.GenerateJWT("dashboard", []string{"rankings:read"})
	require.NoError(t, err)
	writer, err := auth.GenerateJWT("collector", []string{PermissionWrite})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing token", "", "", http.StatusUnauthorized},
		{"bad key", "X-API-Key", "nope", http.StatusUnauthorized},
		{"api key", "X-API-Key", "ingest-key-0001", http.StatusNoContent},
		{"bearer with write", "Authorization", "Bearer " + writer, http.StatusNoContent},
		{"bearer without write", "Authorization", "Bearer " + readOnly, http.StatusForbidden},
	}

	handler := auth.Middleware()(okHandler())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/providers/openai/outcomes", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuthenticator_MiddlewarePassThroughWhenOptional(t *testing.T) {
	auth := NewAuthenticator(&Config{}, testLogger())

	rec := httptest.NewRecorder()
	auth.Middleware()(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/providers", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", ClientIP(req))

	req.Header.Set("X-Real-IP", "192.168.1.4")
	assert.Equal(t, "192.168.1.4", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
