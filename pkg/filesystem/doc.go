// Package filesystem provides low-level filesystem utilities shared by the
// cache store, the rollback journal, and the virtualized filesystem: atomic
// file replacement, advisory file locking, path normalization, and the
// layout of forge's on-disk data directory.
package filesystem
