package repoengine

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/objectstore"
	"github.com/opencrate/registry/internal/objectstore/filesystem"
)

// testFixture builds a Graph + Engine and publishes one image manifest
// (config + one layer) so tests can exercise closures against it.
type testFixture struct {
	graph    *contentgraph.Graph
	engine   *Engine
	manifest *registry.Manifest
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	store := objectstore.New(filesystem.New(t.TempDir()))
	g := contentgraph.New(store)
	ctx := context.Background()

	configJSON := []byte(`{"hello":"world"}`)
	configDigest, err := g.PutBlob(ctx, bytes.NewReader(configJSON), contentgraph.MediaTypeDockerImageConfig)
	if err != nil {
		t.Fatalf("PutBlob config: %v", err)
	}
	layerBytes := []byte("layer-bytes")
	layerDigest, err := g.PutBlob(ctx, bytes.NewReader(layerBytes), contentgraph.MediaTypeOctetStream)
	if err != nil {
		t.Fatalf("PutBlob layer: %v", err)
	}

	doc := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     contentgraph.MediaTypeDockerManifest,
		"config": registry.Descriptor{
			MediaType: contentgraph.MediaTypeDockerImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configJSON)),
		},
		"layers": []registry.Descriptor{
			{MediaType: contentgraph.MediaTypeOctetStream, Digest: layerDigest, Size: int64(len(layerBytes))},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	m, err := g.PutManifest(ctx, raw, contentgraph.MediaTypeDockerManifest)
	if err != nil {
		t.Fatalf("PutManifest: %v", err)
	}

	return &testFixture{graph: g, engine: New(g), manifest: m}
}

func TestRecursiveAddTagClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	nv, err := f.engine.Tag(ctx, base, f.manifest.Digest, "v1")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	if d, ok := nv.TagManifest("v1"); !ok || d != f.manifest.Digest {
		t.Fatalf("expected tag v1 to resolve to %s, got %s (ok=%v)", f.manifest.Digest, d, ok)
	}
	if !nv.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: f.manifest.Digest.String()}) {
		t.Fatalf("expected tagging to pull in the manifest")
	}
	if !nv.Present(registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: f.manifest.Config.Digest.String()}) {
		t.Fatalf("expected tagging to pull in the config blob")
	}
	for _, l := range f.manifest.Layers {
		if !nv.Present(registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: l.Digest.String()}) {
			t.Fatalf("expected tagging to pull in layer blob %s", l.Digest)
		}
	}
	if nv.Number != 0 {
		t.Fatalf("expected first committed version to be numbered 0, got %d", nv.Number)
	}
}

func TestTagUniquenessReplacesExistingBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	v1, err := f.engine.Tag(ctx, base, f.manifest.Digest, "latest")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	// Retagging "latest" to the same manifest digest again must still only
	// carry a single binding for that name in the resulting version.
	v2, err := f.engine.Tag(ctx, v1, f.manifest.Digest, "latest")
	if err != nil {
		t.Fatalf("retag: %v", err)
	}
	names := v2.TagNames()
	count := 0
	for _, n := range names {
		if n == "latest" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one 'latest' tag name, got %d (%v)", count, names)
	}
	if v2.Number != 1 {
		t.Fatalf("expected second committed version to be numbered 1, got %d", v2.Number)
	}
}

func TestRecursiveAddRemoveSymmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	added, err := f.engine.Tag(ctx, base, f.manifest.Digest, "v1")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	removed, err := f.engine.Untag(ctx, added, "v1")
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}

	// remove(add(V, C), C) == V setwise: no tag remains and the
	// manifest/blob closure introduced solely by that tag is gone too.
	if len(removed.TagNames()) != 0 {
		t.Fatalf("expected no tags remaining, got %v", removed.TagNames())
	}
	if removed.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: f.manifest.Digest.String()}) {
		t.Fatalf("expected manifest closure to be removed once its only tag is gone")
	}
	if len(removed.entries) != len(base.entries) {
		t.Fatalf("expected removal to return to the base content set, got %d entries vs base %d", len(removed.entries), len(base.entries))
	}
}

func TestRecursiveRemovePreservesSharedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	v1, err := f.engine.Tag(ctx, base, f.manifest.Digest, "v1")
	if err != nil {
		t.Fatalf("Tag v1: %v", err)
	}
	v2, err := f.engine.Tag(ctx, v1, f.manifest.Digest, "v2")
	if err != nil {
		t.Fatalf("Tag v2: %v", err)
	}

	// Untagging v1 must not remove the manifest: v2 still references it.
	v3, err := f.engine.Untag(ctx, v2, "v1")
	if err != nil {
		t.Fatalf("Untag v1: %v", err)
	}
	if !v3.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: f.manifest.Digest.String()}) {
		t.Fatalf("expected manifest to remain present while v2 still references it")
	}
	if _, ok := v3.TagManifest("v2"); !ok {
		t.Fatalf("expected v2 tag to remain bound")
	}
	if _, ok := v3.TagManifest("v1"); ok {
		t.Fatalf("expected v1 tag to be gone")
	}
}

func TestVersionMonotonicityAndImmutability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	v1, err := f.engine.Tag(ctx, base, f.manifest.Digest, "v1")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	v2, err := f.engine.Untag(ctx, v1, "v1")
	if err != nil {
		t.Fatalf("Untag: %v", err)
	}

	if v2.Number <= v1.Number {
		t.Fatalf("expected strictly increasing version numbers, got v1=%d v2=%d", v1.Number, v2.Number)
	}
	// v1 must not have been mutated by the later Untag call.
	if _, ok := v1.TagManifest("v1"); !ok {
		t.Fatalf("expected v1 to remain untouched after a later version untags its tag")
	}

	latest := f.engine.Latest("alice/img")
	if latest.Number != v2.Number {
		t.Fatalf("expected Latest to report the most recently committed version")
	}
}

func TestDiff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	v1, err := f.engine.Tag(ctx, base, f.manifest.Digest, "v1")
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}

	summary := Diff(base, v1)
	if len(summary.Added[registry.ContentTypeTag]) != 1 || summary.Added[registry.ContentTypeTag][0] != "v1" {
		t.Fatalf("expected diff to report tag v1 added, got %+v", summary.Added)
	}
	if len(summary.Removed[registry.ContentTypeTag]) != 0 {
		t.Fatalf("expected no removed tags, got %+v", summary.Removed)
	}
}

func TestCopyTagsRequiresKnownTag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.engine.Empty("alice/img")
	dst := f.engine.Empty("alice/img2")

	if _, err := f.engine.CopyTags(ctx, src, dst, []string{"missing"}); err == nil {
		t.Fatalf("expected ErrTagUnknown copying a tag absent from src")
	}
}

func TestRecursiveAddBlobRequiresPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := f.engine.Empty("alice/img")
	missing := digest.FromBytes([]byte("nowhere"))
	_, err := f.engine.RecursiveAdd(ctx, base, []Ref{BlobRef(missing)}, nil)
	if err == nil {
		t.Fatalf("expected error adding a blob ref the graph has never seen")
	}
}
