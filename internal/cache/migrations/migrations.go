// Package migrations embeds the snapshot cache schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
