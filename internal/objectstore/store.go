// Package objectstore keeps operator return files out of the API process:
// clients write and workers read through short-lived signed URLs.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

// SignedURL is a time-limited handle scoped to a single object.
type SignedURL struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ObjectInfo carries the hashes the backend computed on write. MD5 is empty
// for composite objects.
type ObjectInfo struct {
	Path        string
	Size        int64
	ContentType string
	MD5         []byte
	CRC32C      uint32
}

type Store interface {
	SignedPut(ctx context.Context, path, contentType string, ttl time.Duration) (*SignedURL, error)
	SignedGet(ctx context.Context, path string, ttl time.Duration) (*SignedURL, error)
	// Stat returns ErrObjectNotFound when nothing was uploaded to path.
	Stat(ctx context.Context, path string) (*ObjectInfo, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}
