// Package migrations embeds the MySQL schema shared by the task store and
// the payment ledger. Files are applied in order of their numeric prefix.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
