package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
)

// ObjectStore turns content digests into driver keys of the form
// /blobs/<algo>/<first2hex>/<rest> and writes bytes through the underlying
// StorageDriver.
type ObjectStore struct {
	driver StorageDriver
}

func New(driver StorageDriver) *ObjectStore {
	return &ObjectStore{driver: driver}
}

// KeyFor returns the driver key a digest is stored under.
func KeyFor(d digest.Digest) string {
	hex := d.Encoded()
	prefix, rest := hex, ""
	if len(hex) >= 2 {
		prefix, rest = hex[:2], hex[2:]
	}
	return fmt.Sprintf("/blobs/%s/%s/%s", d.Algorithm(), prefix, rest)
}

func newHasher(algo digest.Algorithm) (hash.Hash, error) {
	switch algo {
	case digest.SHA256:
		return sha256.New(), nil
	case digest.SHA384:
		return sha512.New384(), nil
	case digest.SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("objectstore: unsupported digest algorithm %q", algo)
	}
}

// Put streams r through the driver under a temporary key, computing a digest
// for every algorithm in algos concurrently via io.MultiWriter, then copies
// the content to its final content-addressed key, overwriting any copy
// already there (puts of identical content always converge). That copy
// reads the whole content into memory. The digest for algos[0] is returned
// as the canonical identity.
func (s *ObjectStore) Put(ctx context.Context, r io.Reader, algos ...digest.Algorithm) (digest.Digest, map[digest.Algorithm]digest.Digest, error) {
	if len(algos) == 0 {
		algos = []digest.Algorithm{digest.SHA256}
	}

	hashers := make(map[digest.Algorithm]hash.Hash, len(algos))
	writers := make([]io.Writer, 0, len(algos))
	for _, algo := range algos {
		h, err := newHasher(algo)
		if err != nil {
			return "", nil, err
		}
		hashers[algo] = h
		writers = append(writers, h)
	}

	tmpKey := "/uploads/tmp-" + uuid.NewString()
	w, err := s.driver.Writer(ctx, tmpKey, false)
	if err != nil {
		return "", nil, err
	}
	writers = append(writers, w)

	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		w.Cancel()
		return "", nil, err
	}
	if err := w.Commit(); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}

	digests := make(map[digest.Algorithm]digest.Digest, len(hashers))
	for algo, h := range hashers {
		digests[algo] = digest.NewDigest(algo, h)
	}
	canonical := digests[algos[0]]

	content, err := s.driver.GetContent(ctx, tmpKey)
	if err != nil {
		return "", nil, err
	}
	if err := s.driver.PutContent(ctx, KeyFor(canonical), content); err != nil {
		return "", nil, err
	}
	_ = s.driver.Delete(ctx, tmpKey)

	return canonical, digests, nil
}

// Get returns a stream of the bytes stored under d.
func (s *ObjectStore) Get(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	return s.driver.Reader(ctx, KeyFor(d), 0)
}

// Stat reports whether content for d is present, without reading it.
func (s *ObjectStore) Stat(ctx context.Context, d digest.Digest) (FileInfo, error) {
	return s.driver.Stat(ctx, KeyFor(d))
}

// Delete removes the bytes stored under d. Callers must ensure d is
// otherwise unreferenced; ObjectStore itself enforces no reference count.
func (s *ObjectStore) Delete(ctx context.Context, d digest.Digest) error {
	return s.driver.Delete(ctx, KeyFor(d))
}

// PresignedURL returns a redirect target for d's bytes, or "" if the driver
// does not support one (filesystem never does; s3/azure do).
func (s *ObjectStore) PresignedURL(ctx context.Context, d digest.Digest) (string, error) {
	return s.driver.URLFor(ctx, KeyFor(d), nil)
}

// Upload is a resumable blob write spanning multiple PATCH requests, backed
// by a single append-mode driver key until Commit moves it to its final
// content-addressed location. Chunks are written through the driver as they
// arrive; Commit reads the whole accumulated content into memory to copy it,
// and on drivers without append (s3, azure) each newly opened writer first
// reloads everything written so far.
type Upload struct {
	store  *ObjectStore
	tmpKey string
	writer FileWriter
	hasher hash.Hash
	size   int64
}

// NewUpload opens a fresh upload, identified by id (the caller's upload
// UUID), ready to accept sequential Write calls. The backing writer is
// opened lazily on first Write, so an upload session that spans several
// requests holds no file handle between them.
func (s *ObjectStore) NewUpload(ctx context.Context, id string) (*Upload, error) {
	tmpKey := fmt.Sprintf("/uploads/%s", id)
	if err := s.driver.PutContent(ctx, tmpKey, []byte{}); err != nil {
		return nil, err
	}
	return &Upload{store: s, tmpKey: tmpKey, hasher: sha256.New()}, nil
}

// ResumeUpload reattaches to an in-progress upload, re-deriving its running
// hash by re-reading what was already written (each PATCH request, and a
// handler process restart mid-upload, reattaches this way; cheap relative
// to the upload itself).
func (s *ObjectStore) ResumeUpload(ctx context.Context, id string) (*Upload, error) {
	tmpKey := fmt.Sprintf("/uploads/%s", id)
	info, err := s.driver.Stat(ctx, tmpKey)
	if err != nil {
		return nil, err
	}
	r, err := s.driver.Reader(ctx, tmpKey, 0)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		r.Close()
		return nil, err
	}
	r.Close()
	return &Upload{store: s, tmpKey: tmpKey, hasher: h, size: info.Size}, nil
}

// Size returns the number of bytes written so far.
func (u *Upload) Size() int64 { return u.size }

func (u *Upload) ensureWriter() error {
	if u.writer != nil {
		return nil
	}
	ctx := context.Background()
	w, err := u.store.driver.Writer(ctx, u.tmpKey, true)
	if errors.Is(err, ErrAppendUnsupported) {
		// Drivers without an append primitive (s3, azure) get the
		// accumulated bytes rewritten ahead of the new chunk.
		existing, gerr := u.store.driver.GetContent(ctx, u.tmpKey)
		if gerr != nil {
			return gerr
		}
		w, err = u.store.driver.Writer(ctx, u.tmpKey, false)
		if err != nil {
			return err
		}
		if _, err := w.Write(existing); err != nil {
			w.Cancel()
			return err
		}
	} else if err != nil {
		return err
	}
	u.writer = w
	return nil
}

// Write appends p, updating the running sha256.
func (u *Upload) Write(p []byte) (int, error) {
	if err := u.ensureWriter(); err != nil {
		return 0, err
	}
	n, err := io.Copy(io.MultiWriter(u.writer, u.hasher), bytes.NewReader(p))
	u.size += n
	return int(n), err
}

// Close releases the backing writer without finishing the upload; the
// session stays resumable. Callers close at the end of each chunk request.
func (u *Upload) Close() error {
	if u.writer == nil {
		return nil
	}
	err := u.writer.Close()
	u.writer = nil
	return err
}

// Cancel discards the partial upload.
func (u *Upload) Cancel() error {
	if u.writer != nil {
		u.writer.Cancel()
		u.writer = nil
	}
	return u.store.driver.Delete(context.Background(), u.tmpKey)
}

// Commit verifies the accumulated bytes hash to expected (if non-empty) and
// moves them to their final content-addressed key, returning the computed
// digest.
func (u *Upload) Commit(ctx context.Context, expected digest.Digest) (digest.Digest, error) {
	if u.writer != nil {
		if err := u.writer.Commit(); err != nil {
			return "", err
		}
		if err := u.writer.Close(); err != nil {
			return "", err
		}
		u.writer = nil
	}
	computed := digest.NewDigest(digest.SHA256, u.hasher)
	if expected != "" && expected != computed {
		_ = u.store.driver.Delete(ctx, u.tmpKey)
		return "", fmt.Errorf("objectstore: upload digest mismatch: expected %s, computed %s", expected, computed)
	}
	content, err := u.store.driver.GetContent(ctx, u.tmpKey)
	if err != nil {
		return "", err
	}
	if err := u.store.driver.PutContent(ctx, KeyFor(computed), content); err != nil {
		return "", err
	}
	_ = u.store.driver.Delete(ctx, u.tmpKey)
	return computed, nil
}

