// Package blobs stores PDF originals, renders and seals by key.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrNotFound indicates that no blob is stored under the key.
	ErrNotFound = errors.New("blobs: not found")
	// ErrInvalidKey indicates a key that is empty or escapes the namespace.
	ErrInvalidKey = errors.New("blobs: invalid key")
)

// Store is a flat key/value store for binary payloads.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Key joins key segments with "/".
func Key(segments ...string) string {
	return strings.Join(segments, "/")
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." || segment == "." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
