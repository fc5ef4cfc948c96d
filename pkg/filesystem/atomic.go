package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/pkg/logging"
	"github.com/forgebuild/forge/pkg/must"
)

const (
	// atomicWriteTemporaryNamePrefix is the file name prefix to use for
	// intermediate temporary files used in atomic writes.
	atomicWriteTemporaryNamePrefix = TemporaryNamePrefix + "atomic-write"
)

// WriteFileAtomic writes a file to disk in an atomic fashion by using an
// intermediate temporary file that is swapped in place using a rename
// operation.
func WriteFileAtomic(path string, data []byte, permissions os.FileMode, logger *logging.Logger) error {
	// Create a temporary file. The os package already uses secure permissions
	// for creating temporary files, so we don't need to change them.
	temporary, err := os.CreateTemp(filepath.Dir(path), atomicWriteTemporaryNamePrefix)
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}

	// Write data.
	if _, err = temporary.Write(data); err != nil {
		must.Close(temporary, logger)
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to write data to temporary file: %w", err)
	}

	// Close out the file.
	if err = temporary.Close(); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to close temporary file: %w", err)
	}

	// Set the file's permissions.
	if err = os.Chmod(temporary.Name(), permissions); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to change file permissions: %w", err)
	}

	// Rename the file into place.
	if err = RenameAtomic(temporary.Name(), path); err != nil {
		must.OSRemove(temporary.Name(), logger)
		return fmt.Errorf("unable to rename file: %w", err)
	}

	// Success.
	return nil
}

// RenameAtomic renames oldPath to newPath, overwriting newPath if it already
// exists. It falls back to a copy-then-remove strategy if the two paths
// reside on different devices, since os.Rename cannot cross device
// boundaries. That fallback is not itself atomic, but it is only exercised
// for cross-device moves; the common case of swapping a temporary file into
// place within the same directory always goes through the atomic path.
func RenameAtomic(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	} else if !isCrossDeviceError(err) {
		return err
	}

	source, err := os.Open(oldPath)
	if err != nil {
		return fmt.Errorf("unable to open source for cross-device move: %w", err)
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return fmt.Errorf("unable to stat source for cross-device move: %w", err)
	}

	destination, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("unable to create destination for cross-device move: %w", err)
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return fmt.Errorf("unable to copy content for cross-device move: %w", err)
	}
	if err := destination.Close(); err != nil {
		return fmt.Errorf("unable to close destination for cross-device move: %w", err)
	}

	return os.Remove(oldPath)
}
