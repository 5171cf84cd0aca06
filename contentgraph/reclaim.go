package contentgraph

import (
	"context"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
)

// Reclaimed reports what a Reclaim pass removed.
type Reclaimed struct {
	Blobs      []digest.Digest
	Manifests  []digest.Digest
	Signatures []digest.Digest
}

// Reclaim deletes every Blob and Manifest row (and any Signature attached
// to a reclaimed Manifest) whose digest is absent from
// keepBlobs/keepManifests, the reference sets computed across every
// retained RepositoryVersion. Removing content from a repository only
// drops it from that RepositoryVersion's entries; this separate pass is
// what actually deletes unreferenced objects.
//
// dryRun collects what would be removed without touching the row index or
// ObjectStore.
func (g *Graph) Reclaim(ctx context.Context, keepBlobs, keepManifests map[digest.Digest]struct{}, dryRun bool) (Reclaimed, error) {
	g.mu.Lock()
	var result Reclaimed
	for d := range g.blobs {
		if _, ok := keepBlobs[d]; !ok {
			result.Blobs = append(result.Blobs, d)
		}
	}
	for d := range g.manifests {
		if _, ok := keepManifests[d]; !ok {
			result.Manifests = append(result.Manifests, d)
			result.Signatures = append(result.Signatures, signatureDigests(g.signatures[d])...)
		}
	}
	if dryRun {
		g.mu.Unlock()
		return result, nil
	}
	for _, d := range result.Blobs {
		delete(g.blobs, d)
	}
	for _, d := range result.Manifests {
		delete(g.manifests, d)
		delete(g.signatures, d)
	}
	g.mu.Unlock()

	for _, d := range result.Blobs {
		if err := g.store.Delete(ctx, d); err != nil {
			return result, err
		}
	}
	for _, d := range result.Signatures {
		if err := g.store.Delete(ctx, d); err != nil {
			return result, err
		}
	}
	return result, nil
}

func signatureDigests(sigs []*registry.Signature) []digest.Digest {
	ds := make([]digest.Digest, 0, len(sigs))
	for _, s := range sigs {
		ds = append(ds, s.PayloadDigest)
	}
	return ds
}
