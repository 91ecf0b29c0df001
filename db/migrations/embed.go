// Package dbmigrations exposes the SQL migrations embedded into herald binaries.
package dbmigrations

import "embed"

// Files holds the outbox and subscription cache schema.
//
//go:embed *.sql
var Files embed.FS
