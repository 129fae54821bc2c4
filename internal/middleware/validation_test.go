package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/provider-ranking/docs"
)

func newValidator(t *testing.T, maxSize int64) *ValidationMiddleware {
	t.Helper()
	vm, err := NewValidationMiddleware(&ValidationConfig{Enabled: true, MaxRequestSize: maxSize}, docs.OpenAPIYAML, testLogger())
	require.NoError(t, err)
	return vm
}

// echoHandler proves the body is still readable after validation
func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		w.Write(body)
	})
}

func TestValidationMiddleware_Requests(t *testing.T) {
	handler := newValidator(t, 0).Middleware(echoHandler())

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"valid outcome", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 420, "cost": 0.002, "quality_score": 0.9}`, http.StatusAccepted},
		{"valid batch", http.MethodPost, "/v1/providers/openai/outcomes", `[{"response_time_ms": 1, "cost": 0}, {"response_time_ms": 2, "cost": 0, "success": false}]`, http.StatusAccepted},
		{"missing cost", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 420}`, http.StatusBadRequest},
		{"quality out of range", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 1, "cost": 0, "quality_score": 1.5}`, http.StatusBadRequest},
		{"negative latency", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": -1, "cost": 0}`, http.StatusBadRequest},
		{"unknown load level", http.MethodPost, "/v1/providers/openai/outcomes", `{"response_time_ms": 1, "cost": 0, "load_level": "extreme"}`, http.StatusBadRequest},
		{"valid status", http.MethodPut, "/v1/providers/openai/status", `{"status": "degraded", "reason": "elevated errors"}`, http.StatusAccepted},
		{"unknown status", http.MethodPut, "/v1/providers/openai/status", `{"status": "sleepy"}`, http.StatusBadRequest},
		{"register without id", http.MethodPost, "/v1/providers", `{"status": "active"}`, http.StatusBadRequest},
		{"history limit too large", http.MethodGet, "/v1/rankings/history?limit=500", "", http.StatusBadRequest},
		{"undocumented route", http.MethodGet, "/health", "", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusAccepted && tt.body != "" {
				assert.JSONEq(t, tt.body, rec.Body.String())
			}
			if tt.want == http.StatusBadRequest {
				assert.Contains(t, rec.Body.String(), "validation_error")
			}
		})
	}
}

func TestValidationMiddleware_BodyTooLarge(t *testing.T) {
	handler := newValidator(t, 32).Middleware(echoHandler())

	body := `{"response_time_ms": 420, "cost": 0.002, "scenario": "a-very-long-scenario-name"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/providers/openai/outcomes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestValidationMiddleware_Disabled(t *testing.T) {
	vm, err := NewValidationMiddleware(nil, nil, testLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/providers", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	vm.Middleware(echoHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestNewValidationMiddleware_BadSpec(t *testing.T) {
	_, err := NewValidationMiddleware(&ValidationConfig{Enabled: true}, []byte("openapi: [not, a, document"), testLogger())
	assert.Error(t, err)
}
