package forge

import (
	"os"
)

// DebugEnabled controls whether or not debug-level logging is enabled. It is
// set automatically based on the FORGE_DEBUG environment variable.
var DebugEnabled bool

// InfoEnabled controls whether or not info-level logging is enabled. It is
// set automatically based on the FORGE_INFO environment variable, and is
// also enabled implicitly by DebugEnabled.
var InfoEnabled bool

func init() {
	DebugEnabled = os.Getenv("FORGE_DEBUG") == "1"
	InfoEnabled = DebugEnabled || os.Getenv("FORGE_INFO") == "1"
}
