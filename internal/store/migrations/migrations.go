// Package migrations embeds the SQL schema of the local durable store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
