// Package migrations embeds the schema for each supported store driver.
package migrations

import _ "embed"

//go:embed postgres.sql
var Postgres string

//go:embed sqlite.sql
var SQLite string
