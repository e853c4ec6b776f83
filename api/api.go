// Package api holds the OpenAPI document served at /openapi.yml and used
// to validate admin requests.
package api

import _ "embed"

//go:embed openapi.yml
var OpenAPISpec []byte
