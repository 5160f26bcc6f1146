// Package migrations embeds the goose SQL migrations so the migrate
// command and integration tests run the same schema.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS
