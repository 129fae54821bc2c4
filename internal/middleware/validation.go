package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRequestSize bounds request bodies when no limit is configured
const DefaultMaxRequestSize int64 = 1 << 20

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxRequestSize int64 `yaml:"max_request_size"`
}

// ValidationMiddleware checks requests against the OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
	maxSize int64
}

// NewValidationMiddleware creates a validation middleware from an OpenAPI
// document. A disabled middleware only enforces the body size limit.
func NewValidationMiddleware(config *ValidationConfig, spec []byte, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{}
	}

	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: config.Enabled,
		maxSize: config.MaxRequestSize,
	}
	if vm.maxSize <= 0 {
		vm.maxSize = DefaultMaxRequestSize
	}

	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	router, err := loadRouter(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	vm.router = router

	logger.WithField("max_request_size", vm.maxSize).Info("API validation middleware enabled")
	return vm, nil
}

func loadRouter(spec []byte) (routers.Router, error) {
	doc, err := openapi3.NewLoader().LoadFromData(spec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return gorillamux.NewRouter(doc)
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, vm.maxSize)
		}

		if vm.enabled {
			if err := vm.validateRequest(r); err != nil {
				vm.logger.WithError(err).WithFields(logrus.Fields{
					"method": r.Method,
					"path":   r.URL.Path,
				}).Warn("Request validation failed")

				status := http.StatusBadRequest
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				writeValidationError(w, status, err)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// validateRequest validates an HTTP request against the OpenAPI spec
func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// Undocumented routes (/health, /metrics, /v1/stream) and methods
		// are left to the router
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		defer func() { r.Body = io.NopCloser(bytes.NewReader(body)) }()
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

func writeValidationError(w http.ResponseWriter, status int, err error) {
	message := "Request validation failed"
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		message = reqErr.Error()
	} else if status == http.StatusRequestEntityTooLarge {
		message = "Request body too large"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "validation_error",
			"code":    status,
		},
		"timestamp": time.Now().Unix(),
	})
}
