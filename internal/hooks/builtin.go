package hooks

import "embed"

//go:embed builtin-hooks
var builtinFS embed.FS

const builtinFSRoot = "builtin-hooks"
