// Package api carries the OpenAPI document served at GET /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 YAML describing the Montecast HTTP
// API. The server returns it verbatim.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
