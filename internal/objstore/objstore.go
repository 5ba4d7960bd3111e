// Package objstore provides blob storage for meeting artifacts (audio
// excerpts, exports) behind one interface with two interchangeable
// backends: an S3-compatible bucket and a local filesystem directory.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested key does not exist.
var ErrNotFound = errors.New("objstore: object not found")

// Store is the blob storage surface.
type Store interface {
	// Upload writes data under key and returns the stored key.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Download returns the object bytes. Missing keys yield ErrNotFound.
	Download(ctx context.Context, key string) ([]byte, error)

	// Presign returns a URL from which the object can be fetched without
	// credentials for the given lifetime.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key holds an object.
	Exists(ctx context.Context, key string) (bool, error)
}

// validateKey rejects keys that could escape the store's namespace:
// empty keys, absolute paths, and any ".." traversal element.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("objstore: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return fmt.Errorf("objstore: absolute key %q", key)
	}
	clean := path.Clean(strings.ReplaceAll(key, "\\", "/"))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("objstore: traversal in key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("objstore: traversal in key %q", key)
		}
	}
	return nil
}
