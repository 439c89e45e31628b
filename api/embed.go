// Package api embeds the OpenAPI description of the stbgate HTTP surface.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.0 YAML served at /api/docs/openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
