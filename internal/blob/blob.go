// Package blob stores uploaded file bytes on the local filesystem.
package blob

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no object has the given ref.
	ErrNotFound = errors.New("object not found")
	// ErrTooLarge is returned when an object exceeds the size limit.
	ErrTooLarge = errors.New("object exceeds size limit")
	// ErrInvalidRef is returned for refs that were not issued by NewRef.
	ErrInvalidRef = errors.New("invalid object ref")
)

var refPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(\.[a-z0-9]{1,8})?$`)

// NewRef returns a fresh object ref that keeps the extension of fileName,
// so URLs built from it still tell images apart.
func NewRef(fileName string) string {
	ref := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(fileName))
	if len(ext) > 1 && refPattern.MatchString(ref+ext) {
		return ref + ext
	}
	return ref
}

// Store is a directory of objects addressed by ref.
type Store struct {
	dir     string
	maxSize int64
}

// NewStore creates the directory if needed. maxSize <= 0 disables the limit.
func NewStore(dir string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Store{dir: dir, maxSize: maxSize}, nil
}

func (s *Store) path(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.dir, ref), nil
}

// Put writes r under ref, replacing any previous object. Nothing is left
// behind when the write fails.
func (s *Store) Put(ref string, r io.Reader) (int64, error) {
	dst, err := s.path(ref)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		if rmErr := os.Remove(tmp.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove temp upload", "path", tmp.Name(), "error", rmErr)
		}
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("write object: %w", err)
	}
	if s.maxSize > 0 && n > s.maxSize {
		cleanup()
		return 0, ErrTooLarge
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		cleanup()
		return 0, fmt.Errorf("commit object: %w", err)
	}
	return n, nil
}

// Open returns the object at ref. The caller closes it.
func (s *Store) Open(ref string) (*os.File, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Delete removes the object at ref. A missing object is not an error.
func (s *Store) Delete(ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
