// Package migrations embeds the SQL files applied by `medledger migrate`.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
