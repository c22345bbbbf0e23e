// Package migrations carries the SQL schema files compiled into the
// binary, so deployments never depend on files next to the executable.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
