package object

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned when no object exists at the storage key.
	ErrNotFound = errors.New("object not found")
	// ErrEmpty is returned by ReadAll when the object has no bytes.
	ErrEmpty = errors.New("object is empty")
)

// ObjectStore reads uploaded document files by storage path. Uploads happen
// outside this service, so the store is read-only.
type ObjectStore interface {
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// ReadAll downloads the full object at storageKey.
func ReadAll(ctx context.Context, store ObjectStore, storageKey string) ([]byte, error) {
	if store == nil {
		return nil, errors.New("object store not configured")
	}
	rc, err := store.Open(ctx, storageKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", storageKey, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, storageKey)
	}
	return data, nil
}
