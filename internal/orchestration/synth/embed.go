package synth

import "embed"

// builtinTemplates ships default workflow templates compiled into the
// binary. Templates in the configured directory are tried first, so a
// user file can shadow a builtin by matching the same keywords.
//
//go:embed templates/*.yaml
var builtinTemplates embed.FS
