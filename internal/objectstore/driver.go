// Package objectstore provides the abstract content-addressed byte store
// ContentGraph sits on top of: a pluggable StorageDriver (filesystem, s3,
// azure) plus an ObjectStore that turns digests into driver keys and
// computes hashes incrementally as bytes are written. Moving finished
// content to its content-addressed key (ObjectStore.Put, Upload.Commit)
// reads the whole content into memory, so for those steps memory per
// request grows with blob size.
//
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// FileInfo describes one stored key, mirroring the subset of os.FileInfo the
// driver layer actually needs.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// StorageDriver is the pluggable backend interface. Implementations must be
// safe for concurrent use; content-addressed writes are idempotent so
// concurrent PutContent/Writer calls for the same key are expected to
// converge rather than conflict.
type StorageDriver interface {
	// Name identifies the driver for configuration and logging.
	Name() string

	// GetContent returns the full content stored at key.
	GetContent(ctx context.Context, key string) ([]byte, error)

	// PutContent stores content at key, overwriting any existing value.
	PutContent(ctx context.Context, key string, content []byte) error

	// Reader returns a stream starting at offset within the content at key.
	Reader(ctx context.Context, key string, offset int64) (io.ReadCloser, error)

	// Writer returns a stream that appends to (or truncates, if append is
	// false) the content at key. Committing the write is the caller's
	// responsibility via Close; Cancel discards a partial write.
	Writer(ctx context.Context, key string, doAppend bool) (FileWriter, error)

	// Stat returns metadata about key, or a PathNotFoundError.
	Stat(ctx context.Context, key string) (FileInfo, error)

	// Delete removes key (and everything under it, if key is a directory
	// prefix).
	Delete(ctx context.Context, key string) error

	// URLFor returns a URL, such as a presigned S3/Azure URL, clients may be
	// redirected to in order to fetch key directly, or "" if the driver
	// does not support redirects.
	URLFor(ctx context.Context, key string, options map[string]interface{}) (string, error)
}

// FileWriter is returned by StorageDriver.Writer.
type FileWriter interface {
	io.WriteCloser
	Size() int64
	Cancel() error
	Commit() error
}

// ErrAppendUnsupported is returned by Writer(doAppend=true) on drivers whose
// backing store has no append primitive (s3, azure). ObjectStore.Upload
// falls back to rewriting the accumulated bytes on those drivers.
var ErrAppendUnsupported = errors.New("objectstore: driver does not support append")

// PathNotFoundError is returned by Reader/Stat/Delete for a key that does
// not exist.
type PathNotFoundError struct {
	Path string
}

func (e PathNotFoundError) Error() string {
	return "objectstore: path not found: " + e.Path
}
