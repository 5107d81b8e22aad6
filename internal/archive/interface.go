package archive

import (
	"context"
	"fmt"
	"io"
)

// ObjectStorage is the evidence archive backend. Scanned media is retained
// here keyed by content hash so later lineage registration can re-sample
// frames for mutation analysis.
type ObjectStorage interface {
	// Upload stores an object under the given key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download retrieves an object by key
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the URL for accessing an object
	GetURL(key string) string

	// Delete removes an object by key
	Delete(ctx context.Context, key string) error

	// Exists checks whether an object is present
	Exists(ctx context.Context, key string) (bool, error)
}

// Key builds the archive key for a piece of content. Objects are bucketed
// by the first two hex chars of the content hash to keep listings shallow.
func Key(contentHash, format string) string {
	if format == "" {
		return fmt.Sprintf("%s/%s", contentHash[:2], contentHash)
	}
	return fmt.Sprintf("%s/%s.%s", contentHash[:2], contentHash, format)
}
