// Package migrations embeds the goose SQL migrations of the Record Store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
