// Package migrations embeds the goose SQL migration files that install
// Satellite's bookkeeping tables (oplog, shadow, meta) into the local
// SQLite database alongside the application's own tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
