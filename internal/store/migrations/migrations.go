// Package migrations embeds the SQL schema migrations for vigia.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
