package migrations

import "embed"

// FS contains the embedded SQLite migrations of the token and object store.
//
//go:embed *.sql
var FS embed.FS
