package objectstore_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry/internal/objectstore"
	"github.com/opencrate/registry/internal/objectstore/filesystem"
)

func newStore(t *testing.T) *objectstore.ObjectStore {
	t.Helper()
	return objectstore.New(filesystem.New(t.TempDir()))
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	payload := []byte("the quick brown fox")

	d, _, err := store.Put(ctx, bytes.NewReader(payload), digest.SHA256)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if d != digest.FromBytes(payload) {
		t.Fatalf("expected digest to equal sha256 of the bytes, stable across calls")
	}

	rc, err := store.Get(ctx, d)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected get(put(b)) == b, got %q want %q", got, payload)
	}
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	payload := []byte("duplicate me")

	d1, _, err := store.Put(ctx, bytes.NewReader(payload), digest.SHA256)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	d2, _, err := store.Put(ctx, bytes.NewReader(payload), digest.SHA256)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected identical digests for identical content")
	}
	if info, err := store.Stat(ctx, d1); err != nil || info.Size != int64(len(payload)) {
		t.Fatalf("expected Stat to report size %d, got %+v (err=%v)", len(payload), info, err)
	}
}

func TestUploadResumableAcrossChunks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, "upload-1")
	if err != nil {
		t.Fatalf("NewUpload: %v", err)
	}
	if _, err := upload.Write([]byte("hello ")); err != nil {
		t.Fatalf("Write chunk 1: %v", err)
	}
	if _, err := upload.Write([]byte("world")); err != nil {
		t.Fatalf("Write chunk 2: %v", err)
	}
	if upload.Size() != int64(len("hello world")) {
		t.Fatalf("expected Size() == %d, got %d", len("hello world"), upload.Size())
	}

	expected := digest.FromBytes([]byte("hello world"))
	got, err := upload.Commit(ctx, expected)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got != expected {
		t.Fatalf("expected commit digest %s, got %s", expected, got)
	}

	rc, err := store.Get(ctx, got)
	if err != nil {
		t.Fatalf("Get after commit: %v", err)
	}
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	if string(content) != "hello world" {
		t.Fatalf("expected committed content %q, got %q", "hello world", content)
	}
}

func TestUploadCommitRejectsDigestMismatch(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, "upload-2")
	if err != nil {
		t.Fatalf("NewUpload: %v", err)
	}
	if _, err := upload.Write([]byte("actual content")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	wrong := digest.FromBytes([]byte("something else entirely"))
	if _, err := upload.Commit(ctx, wrong); err == nil {
		t.Fatalf("expected Commit to reject a digest that does not match the written bytes")
	}
}

func TestUploadResumableAcrossSessions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	upload, err := store.NewUpload(ctx, "upload-3")
	if err != nil {
		t.Fatalf("NewUpload: %v", err)
	}
	if _, err := upload.Write([]byte("first half, ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := upload.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resumed, err := store.ResumeUpload(ctx, "upload-3")
	if err != nil {
		t.Fatalf("ResumeUpload: %v", err)
	}
	if resumed.Size() != int64(len("first half, ")) {
		t.Fatalf("expected resumed Size() == %d, got %d", len("first half, "), resumed.Size())
	}
	if _, err := resumed.Write([]byte("second half")); err != nil {
		t.Fatalf("Write after resume: %v", err)
	}

	full := []byte("first half, second half")
	got, err := resumed.Commit(ctx, digest.FromBytes(full))
	if err != nil {
		t.Fatalf("Commit after resume: %v", err)
	}

	rc, err := store.Get(ctx, got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	content, _ := io.ReadAll(rc)
	if !bytes.Equal(content, full) {
		t.Fatalf("expected committed content %q, got %q", full, content)
	}
}
