// Package api holds the OpenAPI description of the HTTP surface. The YAML is
// embedded so GET /openapi.yaml serves the exact contract the binary was
// built with.
package api

import _ "embed"

// OpenAPISpec is the OpenAPI 3.1 document served at /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
