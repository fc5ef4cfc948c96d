package fsprobe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgebuild/forge/pkg/hashing"
)

// Memory is an in-memory Probe implementation usable in tests without
// touching a real file system. Paths are slash-separated strings; a
// directory is any prefix of a stored file's path.
type Memory struct {
	files map[string][]byte
	links map[string]string
}

// NewMemory creates an empty in-memory probe.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte), links: make(map[string]string)}
}

// WriteFile sets the content of a file path, creating it if necessary. It's
// a test setup helper, not part of the Probe interface.
func (m *Memory) WriteFile(path string, content []byte) {
	m.files[path] = append([]byte(nil), content...)
}

// RemoveFile removes a file path. It's a test setup helper.
func (m *Memory) RemoveFile(path string) {
	delete(m.files, path)
}

// WriteSymlink records path as a symbolic link to target. It's a test setup
// helper.
func (m *Memory) WriteSymlink(path, target string) {
	m.links[path] = target
}

func (m *Memory) isDirectory(path string) bool {
	prefix := path
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for candidate := range m.files {
		if strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	return prefix == "/" || prefix == ""
}

func (m *Memory) children(path string) []string {
	prefix := path
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	seen := make(map[string]bool)
	for candidate := range m.files {
		if !strings.HasPrefix(candidate, prefix) {
			continue
		}
		rest := strings.TrimPrefix(candidate, prefix)
		if idx := strings.Index(rest, "/"); idx >= 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			seen[rest] = true
		}
	}
	children := make([]string, 0, len(seen))
	for name := range seen {
		children = append(children, name)
	}
	sort.Strings(children)
	return children
}

// Stat implements Probe.Stat.
func (m *Memory) Stat(path string) (FileFact, error) {
	if target, ok := m.links[path]; ok {
		return FileFact{Kind: FactSymlink, Path: path, Target: target}, nil
	}
	if content, ok := m.files[path]; ok {
		return FileFact{Kind: FactFile, Path: path, Fingerprint: hashing.FingerprintBytes(content)}, nil
	}
	if m.isDirectory(path) {
		return FileFact{Kind: FactDirectory, Path: path, Children: m.children(path)}, nil
	}
	return FileFact{Kind: FactMissing, Path: path}, nil
}

// ListDir implements Probe.ListDir.
func (m *Memory) ListDir(path string) (FileFact, error) {
	if !m.isDirectory(path) {
		return FileFact{}, fmt.Errorf("not a directory: %q", path)
	}
	return FileFact{Kind: FactListing, Path: path, Children: m.children(path)}, nil
}

// ReadBytes implements Probe.ReadBytes.
func (m *Memory) ReadBytes(path string) ([]byte, FileFact, error) {
	content, ok := m.files[path]
	if !ok {
		return nil, FileFact{}, fmt.Errorf("no such file: %q", path)
	}
	data := append([]byte(nil), content...)
	return data, FileFact{Kind: FactFile, Path: path, Fingerprint: hashing.FingerprintBytes(content)}, nil
}

// FingerprintFile implements Probe.FingerprintFile.
func (m *Memory) FingerprintFile(path string) (FileFact, error) {
	content, ok := m.files[path]
	if !ok {
		return FileFact{}, fmt.Errorf("no such file: %q", path)
	}
	return FileFact{Kind: FactFile, Path: path, Fingerprint: hashing.FingerprintBytes(content)}, nil
}

// ReadSymlink implements Probe.ReadSymlink.
func (m *Memory) ReadSymlink(path string) (FileFact, error) {
	target, ok := m.links[path]
	if !ok {
		return FileFact{}, fmt.Errorf("no such symlink: %q", path)
	}
	return FileFact{Kind: FactSymlink, Path: path, Target: target}, nil
}
