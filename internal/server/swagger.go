package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v2"

	"github.com/tributary-ai/provider-ranking/docs"
)

// setupSwaggerRoutes serves the embedded OpenAPI document and a Swagger UI page
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPIYAML).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPIJSON).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods(http.MethodGet)
}

func (s *Server) handleOpenAPIYAML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/yaml")
	w.Write(docs.OpenAPIYAML)
}

func (s *Server) handleOpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	data, err := openAPIJSON()
	if err != nil {
		s.logger.WithError(err).Error("Failed to convert OpenAPI document")
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Error converting OpenAPI spec")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// openAPIJSON converts the YAML document to JSON. yaml.v2 decodes mappings
// with interface{} keys, which encoding/json rejects, so keys are
// stringified first.
func openAPIJSON() ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(docs.OpenAPIYAML, &doc); err != nil {
		return nil, fmt.Errorf("error parsing OpenAPI spec: %w", err)
	}
	return json.MarshalIndent(stringKeys(doc), "", "  ")
}

func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = stringKeys(t[i])
		}
		return t
	default:
		return v
	}
}

func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, swaggerPage, getBaseURL(r)+"/docs/openapi.yaml")
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Provider Ranking Engine - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
