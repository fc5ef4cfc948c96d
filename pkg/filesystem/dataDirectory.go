package filesystem

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	// ForgeDataDirectoryName is the name of the forge data directory inside the
	// user's home directory.
	ForgeDataDirectoryName = ".forge"

	// ForgeCachesDirectoryName is the name of the subdirectory, within the
	// forge data directory, that holds cache files keyed by build identity.
	ForgeCachesDirectoryName = "caches"

	// ForgeStagingDirectoryName is the name of the subdirectory, within the
	// forge data directory, reserved for staging displaced originals during a
	// build session.
	ForgeStagingDirectoryName = "staging"
)

// HomeDirectory is the cached path to the current user's home directory.
var HomeDirectory string

// ForgeDataDirectoryPath is the path to the forge data directory. It is
// computed once at startup and should not be changed afterward.
var ForgeDataDirectoryPath string

// init performs global initialization.
func init() {
	// Grab the current user's home directory.
	if h, err := os.UserHomeDir(); err != nil {
		panic(errors.Wrap(err, "unable to query user's home directory"))
	} else if h == "" {
		panic(errors.New("home directory path empty"))
	} else {
		HomeDirectory = h
	}

	// Compute the path to the forge data directory.
	ForgeDataDirectoryPath = filepath.Join(HomeDirectory, ForgeDataDirectoryName)
}

// Forge computes (and optionally creates) subdirectories inside the forge
// data directory.
func Forge(create bool, pathComponents ...string) (string, error) {
	// Compute the target path.
	result := filepath.Join(ForgeDataDirectoryPath, filepath.Join(pathComponents...))

	// If requested, attempt to create the forge directory and the specified
	// subpath, and ensure that the forge data directory is hidden.
	if create {
		if err := os.MkdirAll(result, 0700); err != nil {
			return "", errors.Wrap(err, "unable to create subpath")
		} else if err := MarkHidden(ForgeDataDirectoryPath); err != nil {
			return "", errors.Wrap(err, "unable to hide forge data directory")
		}
	}

	// Success.
	return result, nil
}
