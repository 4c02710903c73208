package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"docsteps-backend/internal/shared/storage/object"
)

// Store serves document files from a directory, for dev and tests.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Open opens the file at storageKey below the root. Keys may not escape it.
func (s *Store) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := filepath.Clean(filepath.FromSlash(strings.TrimSpace(storageKey)))
	if key == "." || filepath.IsAbs(key) || key == ".." || strings.HasPrefix(key, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("invalid storage key %q", storageKey)
	}
	path := filepath.Join(s.root, key)

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", object.ErrNotFound, storageKey)
	case err != nil:
		return nil, err
	case info.IsDir():
		return nil, fmt.Errorf("%w: %s is a directory", object.ErrNotFound, storageKey)
	}
	return os.Open(path)
}

var _ object.ObjectStore = (*Store)(nil)
