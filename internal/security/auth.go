// Package security guards the mutating ranking endpoints: outcome
// ingestion, provider registration and status updates. Read and stream
// endpoints stay open.
package security

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// PermissionWrite allows ingesting outcomes and changing providers
const PermissionWrite = "rankings:write"

const jwtIssuer = "provider-ranking"

type contextKey string

const (
	authInfoKey    contextKey = "auth_info"
	auditHolderKey contextKey = "audit_holder"
)

// AuthInfo contains authenticated caller information
type AuthInfo struct {
	Subject     string     `json:"subject"`
	AuthType    string     `json:"auth_type"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Can reports whether the caller holds permission
func (a *AuthInfo) Can(permission string) bool {
	return slices.Contains(a.Permissions, permission)
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// Authenticator validates API keys and HS256 JWTs
type Authenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(config *Config, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &Authenticator{
		config: config,
		logger: logger,
	}
}

// Authenticate validates a token (API key or JWT)
func (a *Authenticator) Authenticate(token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(token); err == nil {
		return info, nil
	}

	if claims, err := a.ValidateJWT(token); err == nil {
		info := &AuthInfo{
			Subject:     claims.Subject,
			AuthType:    "jwt",
			Permissions: claims.Permissions,
		}
		if claims.ExpiresAt != nil {
			info.ExpiresAt = &claims.ExpiresAt.Time
		}
		return info, nil
	}

	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey validates an API key. Keys grant write access.
func (a *Authenticator) ValidateAPIKey(apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				Subject:     "key_" + maskAPIKey(apiKey),
				AuthType:    "api_key",
				Permissions: []string{PermissionWrite},
			}, nil
		}
	}
	return nil, errors.New("invalid API key")
}

// GenerateJWT issues a token for subject carrying permissions
func (a *Authenticator) GenerateJWT(subject string, permissions []string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret is not configured")
	}

	now := time.Now()
	claims := &JWTClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT validates a JWT token
func (a *Authenticator) ValidateJWT(tokenString string) (*JWTClaims, error) {
	if a.config.JWTSecret == "" {
		return nil, errors.New("JWT authentication is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	}, jwt.WithIssuer(jwtIssuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid JWT token")
}

// Middleware rejects requests without a valid token holding write
// permission. It is a pass-through when auth is not required.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				WriteError(w, http.StatusUnauthorized, "authentication_error", "Missing authentication token")
				return
			}

			info, err := a.Authenticate(token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"error":     err.Error(),
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": ClientIP(r),
				}).Warn("Authentication failed")
				WriteError(w, http.StatusUnauthorized, "authentication_error", "Invalid authentication token")
				return
			}

			if !info.Can(PermissionWrite) {
				a.logger.WithFields(logrus.Fields{
					"subject": info.Subject,
					"path":    r.URL.Path,
				}).Warn("Caller lacks write permission")
				WriteError(w, http.StatusForbidden, "permission_error", "Token lacks "+PermissionWrite+" permission")
				return
			}

			a.logger.WithFields(logrus.Fields{
				"subject":   info.Subject,
				"auth_type": info.AuthType,
				"path":      r.URL.Path,
			}).Debug("Authentication successful")

			if holder, ok := r.Context().Value(auditHolderKey).(*AuthInfo); ok {
				*holder = *info
			}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), info)))
		})
	}
}

// WithAuthInfo returns ctx carrying info
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey, info)
}

func withAuditHolder(ctx context.Context, holder *AuthInfo) context.Context {
	return context.WithValue(ctx, auditHolderKey, holder)
}

// GetAuthInfo extracts authentication info from request context
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

// ExtractToken reads a bearer token or API key from the request headers
func ExtractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return apiKey
	}
	return r.Header.Get("API-Key")
}

// ClientIP returns the caller address, honouring proxy headers
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return ip
}

// WriteError writes the standard JSON error envelope
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}
