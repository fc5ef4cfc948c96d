package forge

import (
	"fmt"
)

const (
	// VersionMajor represents the current major version of forge.
	VersionMajor = 0
	// VersionMinor represents the current minor version of forge.
	VersionMinor = 1
	// VersionPatch represents the current patch version of forge.
	VersionPatch = 0
)

// Version is the human-readable version string.
var Version string

func init() {
	Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
}
