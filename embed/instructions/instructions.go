package instructions

import _ "embed"

// Server is the instruction text handed to MCP clients on initialize.
//
//go:embed instructions.md
var Server string
