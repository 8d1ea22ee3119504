package sql

import _ "embed"

// Schema is the journal database schema.
//
//go:embed schema.sql
var Schema string
