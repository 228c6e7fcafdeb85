// Package storage confines file operations to a single base directory.
// The artifact cache owns its root and nothing else; every path it touches
// goes through a Sandbox so a malformed cache key or entry filename can
// never reach outside that root.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox roots all file operations at a base directory and rejects any
// relative path that would resolve outside it.
type Sandbox struct {
	base string
}

// NewSandbox returns a Sandbox rooted at dir, creating dir if needed.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	return &Sandbox{base: abs}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Sandbox) BaseDir() string {
	return s.base
}

// ErrPathEscape is returned for absolute paths and for relative paths whose
// cleaned form leaves the sandbox root.
var ErrPathEscape = errors.New("path escapes sandbox")

// Resolve turns a relative path into an absolute one under the root.
func (s *Sandbox) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	abs := filepath.Join(s.base, filepath.Clean(rel))
	if abs != s.base && !strings.HasPrefix(abs, s.base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return abs, nil
}

// ReadFile reads a file under the root. A missing file satisfies
// errors.Is(err, fs.ErrNotExist) through the wrapped error.
func (s *Sandbox) ReadFile(rel string) ([]byte, error) {
	abs, err := s.Resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return data, nil
}

// RemoveAll deletes a path and everything under it. Deleting the root
// itself is refused.
func (s *Sandbox) RemoveAll(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.base {
		return fmt.Errorf("%w: refusing to remove sandbox root", ErrPathEscape)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("removing %s: %w", rel, err)
	}
	return nil
}

// AtomicWrite writes data to rel so that a concurrent reader sees either
// the previous content or the new content, never a prefix: the bytes land
// in a temp file in the same directory first and are renamed into place.
func (s *Sandbox) AtomicWrite(rel string, data []byte) error {
	target, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("writing temp file: %w", writeErr)
		}
		return fmt.Errorf("closing temp file: %w", closeErr)
	}

	if err := os.Chmod(tmpName, 0o640); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing %s: %w", rel, err)
	}
	return nil
}
