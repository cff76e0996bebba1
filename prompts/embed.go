// Package defaultprompts provides embedded copies of the shipped prompt
// templates for use by the init subcommand. This package exists solely to
// satisfy go:embed's requirement that embedded files reside in or below
// the embedding package directory.
//
// The runtime template registry lives in internal/prompts.
package defaultprompts

import "embed"

// FS contains the shipped prompt template files.
//
//go:embed *.md
var FS embed.FS
