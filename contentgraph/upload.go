package contentgraph

import (
	"context"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/internal/objectstore"
)

// BlobUpload is a resumable multi-request blob write backing the
// PATCH/PUT upload state machine, a thin wrapper around objectstore.Upload
// that also registers the finished blob's row in the Graph index.
type BlobUpload struct {
	graph  *Graph
	upload *objectstore.Upload
}

// NewBlobUpload opens a fresh upload identified by id (the caller's upload
// session UUID).
func (g *Graph) NewBlobUpload(ctx context.Context, id string) (*BlobUpload, error) {
	u, err := g.store.NewUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BlobUpload{graph: g, upload: u}, nil
}

// ResumeBlobUpload reattaches to an in-progress upload, re-deriving its
// running digest.
func (g *Graph) ResumeBlobUpload(ctx context.Context, id string) (*BlobUpload, error) {
	u, err := g.store.ResumeUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &BlobUpload{graph: g, upload: u}, nil
}

// Size returns the number of bytes written so far, for Range header
// responses on a PATCH/status check.
func (u *BlobUpload) Size() int64 { return u.upload.Size() }

// Write appends a contiguous chunk. Callers are responsible for verifying
// Content-Range contiguity against Size before calling Write; a
// non-contiguous PATCH is rejected upstream, never silently accepted
// here.
func (u *BlobUpload) Write(p []byte) (int, error) { return u.upload.Write(p) }

// Close releases the chunk writer while leaving the session resumable.
func (u *BlobUpload) Close() error { return u.upload.Close() }

// Cancel discards the partial upload.
func (u *BlobUpload) Cancel() error { return u.upload.Cancel() }

// Commit finalizes the upload, verifying expected (if non-empty) against the
// computed digest, and registers the blob row.
func (u *BlobUpload) Commit(ctx context.Context, expected digest.Digest, mediaType string) (digest.Digest, error) {
	d, err := u.upload.Commit(ctx, expected)
	if err != nil {
		return "", registry.Wrap(registry.KindValidation, "blob upload digest mismatch", err)
	}
	u.graph.mu.Lock()
	if _, exists := u.graph.blobs[d]; !exists {
		size := u.upload.Size()
		u.graph.blobs[d] = blobRow{Digest: d, MediaType: mediaType, Size: size}
	}
	u.graph.mu.Unlock()
	return d, nil
}
