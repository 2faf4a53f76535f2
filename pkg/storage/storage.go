package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when a stored file does not exist.
var ErrObjectNotFound = errors.New("stored object not found")

// Store persists original document uploads.
type Store interface {
	SaveStream(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}
