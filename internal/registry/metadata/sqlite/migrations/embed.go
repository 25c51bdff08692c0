package migrations

import "embed"

// FS contains embedded SQLite migrations for registry metadata storage.
//
//go:embed *.sql
var FS embed.FS
