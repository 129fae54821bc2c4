// Package docs embeds the OpenAPI description of the ranking HTTP API.
// The same document drives request validation and the /docs endpoints.
package docs

import _ "embed"

//go:embed openapi.yaml
var OpenAPIYAML []byte
