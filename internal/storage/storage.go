// Package storage writes validated uploads below the upload root.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marianozunino/opshub/internal/apperr"
)

// ErrOutsideRoot is returned when a computed path would leave the root.
var ErrOutsideRoot = errors.New("path escapes storage root")

// Store saves files under root/{category}/{name}.
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.FileOperation(err, "create storage root", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.root }

// Path resolves category/name under the root, refusing anything that escapes it.
func (s *Store) Path(category, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.ContainsAny(category, `/\`) {
		return "", ErrOutsideRoot
	}
	p := filepath.Join(s.root, category, name)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", ErrOutsideRoot
	}
	return p, nil
}

// Save copies content to a new file. It never overwrites: an existing name
// is reported as an error. A partially written file is removed.
func (s *Store) Save(category, name string, content io.Reader) (string, int64, error) {
	path, err := s.Path(category, name)
	if err != nil {
		return "", 0, apperr.FileOperation(err, "resolve storage path", name)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", 0, apperr.FileOperation(err, "create category directory", filepath.Dir(path))
	}

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		// the cleanup scheduler may have pruned the empty category directory
		if err = os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			dst, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		}
	}
	if err != nil {
		return "", 0, apperr.FileOperation(err, "create file", path)
	}

	n, err := io.Copy(dst, content)
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, apperr.FileOperation(err, "write file", path)
	}

	return path, n, nil
}

// Remove deletes a stored file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return apperr.FileOperation(ErrOutsideRoot, "remove file", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperr.FileOperation(err, "remove file", path)
	}
	return nil
}
