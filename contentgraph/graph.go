// Package contentgraph implements the deduplicated, content-addressed
// store of Blobs, Manifests and Signatures: insert-if-absent rows keyed
// by digest, backed by an objectstore.ObjectStore for bytes.
//
// The row index here is an in-memory map guarded by a mutex rather than a
// SQL table, like the tokenauth permission evaluator's in-memory stand-in
// for its externally-owned store: good enough to drive the protocol
// handlers and the test suite, behind the same shape a real relational
// store would implement.
package contentgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/docker/libtrust"
	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/internal/objectstore"
)

const defaultMaxPayloadBytes = 4 << 20 // 4 MiB

// Graph is the ContentGraph component: a deduplicated object graph over an
// ObjectStore, with a blob/manifest/signature row index.
type Graph struct {
	store  *objectstore.ObjectStore
	policy MediaTypePolicy

	maxPayloadBytes int64

	mu         sync.RWMutex
	blobs      map[digest.Digest]blobRow
	manifests  map[digest.Digest]*registry.Manifest
	signatures map[digest.Digest][]*registry.Signature // keyed by manifest digest
}

type blobRow struct {
	Digest    digest.Digest
	MediaType string
	Size      int64
}

// Option configures a Graph at construction time.
type Option func(*Graph)

func WithMediaTypePolicy(p MediaTypePolicy) Option {
	return func(g *Graph) { g.policy = p }
}

func WithMaxPayloadBytes(n int64) Option {
	return func(g *Graph) { g.maxPayloadBytes = n }
}

func New(store *objectstore.ObjectStore, opts ...Option) *Graph {
	g := &Graph{
		store:           store,
		maxPayloadBytes: defaultMaxPayloadBytes,
		blobs:           make(map[digest.Digest]blobRow),
		manifests:       make(map[digest.Digest]*registry.Manifest),
		signatures:      make(map[digest.Digest][]*registry.Signature),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PutBlob streams r through the ObjectStore, computing sha256 always and any
// additional algorithms requested (signature payload hashing may ask for
// sha384/sha512). The row is inserted only if digest is new; a duplicate put
// of identical bytes is a no-op beyond the idempotent ObjectStore write.
func (g *Graph) PutBlob(ctx context.Context, r io.Reader, mediaType string, extraAlgos ...digest.Algorithm) (digest.Digest, error) {
	algos := append([]digest.Algorithm{digest.SHA256}, extraAlgos...)
	d, _, err := g.store.Put(ctx, r, algos...)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.blobs[d]; !exists {
		info, statErr := g.store.Stat(ctx, d)
		size := info.Size
		if statErr != nil {
			size = 0
		}
		g.blobs[d] = blobRow{Digest: d, MediaType: mediaType, Size: size}
	}
	return d, nil
}

// HasBlob reports whether d is present without touching ObjectStore.
func (g *Graph) HasBlob(d digest.Digest) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.blobs[d]
	return ok
}

// GetBlob returns a stream of the bytes stored under d, or
// registry.ErrBlobUnknown.
func (g *Graph) GetBlob(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if !g.HasBlob(d) {
		return nil, registry.ErrBlobUnknown
	}
	return g.store.Get(ctx, d)
}

// BlobPresignedURL returns a redirect target for d, or "" if the backing
// driver does not support one.
func (g *Graph) BlobPresignedURL(ctx context.Context, d digest.Digest) (string, error) {
	if !g.HasBlob(d) {
		return "", registry.ErrBlobUnknown
	}
	return g.store.PresignedURL(ctx, d)
}

// PutManifestOption alters how a single PutManifest call validates its
// input.
type PutManifestOption func(*putManifestOptions)

type putManifestOptions struct {
	skipReferenceVerification bool
}

// SkipReferenceVerification accepts a manifest whose referenced blobs or
// sub-manifests are not yet present. The Synchronizer ingests manifests
// before (or, under on_demand policy, instead of) materializing their
// blobs; push ingestion never passes this.
func SkipReferenceVerification() PutManifestOption {
	return func(o *putManifestOptions) { o.skipReferenceVerification = true }
}

// PutManifest validates raw against mediaType, verifies digest integrity,
// extracts config/layers/sub-manifests and derives characteristics, storing
// the manifest row only if its digest is new.
func (g *Graph) PutManifest(ctx context.Context, raw []byte, mediaType string, opts ...PutManifestOption) (*registry.Manifest, error) {
	var options putManifestOptions
	for _, opt := range opts {
		opt(&options)
	}

	if int64(len(raw)) > g.maxPayloadBytes {
		return nil, registry.ErrSizeInvalid
	}

	_, d, err := canonicalize(mediaType, raw)
	if err != nil {
		return nil, err
	}

	if existing, ok := g.lookupManifest(d); ok {
		return existing, nil
	}

	m, err := g.parseManifest(d, mediaType, raw)
	if err != nil {
		return nil, err
	}
	m.RawBytes = raw

	if err := g.validateReferences(ctx, m, options.skipReferenceVerification); err != nil {
		return nil, err
	}

	m.Characteristics = deriveCharacteristics(m)

	g.mu.Lock()
	g.manifests[d] = m
	g.mu.Unlock()
	return m, nil
}

func (g *Graph) lookupManifest(d digest.Digest) (*registry.Manifest, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.manifests[d]
	return m, ok
}

// GetManifest returns the stored manifest for d, or registry.ErrManifestUnknown.
func (g *Graph) GetManifest(d digest.Digest) (*registry.Manifest, error) {
	if m, ok := g.lookupManifest(d); ok {
		return m, nil
	}
	return nil, registry.ErrManifestUnknown
}

// canonicalize computes the digest over raw, stripping the schema1 JWS
// signatures block first so a signed manifest's identity is stable across
// re-signing.
func canonicalize(mediaType string, raw []byte) ([]byte, digest.Digest, error) {
	canonical := raw
	if IsSchema1MediaType(mediaType) {
		stripped, err := stripSchema1Signatures(raw)
		if err != nil {
			return nil, "", registry.Wrap(registry.KindValidation, "malformed schema1 manifest", err)
		}
		canonical = stripped
	}
	return canonical, digest.FromBytes(canonical), nil
}

func stripSchema1Signatures(raw []byte) ([]byte, error) {
	// A well-formed JWS block carries the exact payload bytes in its
	// protected headers; recover those so the digest survives re-signing
	// byte for byte.
	if jsig, err := libtrust.ParsePrettySignature(raw, "signatures"); err == nil {
		if payload, err := jsig.Payload(); err == nil {
			return payload, nil
		}
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	delete(generic, "signatures")
	return json.Marshal(generic)
}

// validateReferences checks media types, and blob presence unless
// skipPresence is set: on push, absent references fail with
// ManifestInvalid; on sync, absent references trigger a fetch by the
// Synchronizer after ingest. Manifest lists pass without either check.
func (g *Graph) validateReferences(ctx context.Context, m *registry.Manifest, skipPresence bool) error {
	switch m.Kind {
	case registry.ManifestKindList:
		// Sub-manifests may be legitimately absent under on_demand policy;
		// the Synchronizer fetches them after ingest, and RepositoryEngine's
		// recursive_add fails if one is still absent, instead of this layer
		// blocking ingest.
		return nil
	case registry.ManifestKindImage:
		if m.Config != nil && !g.policy.configAllowed(m.Config.MediaType) {
			return registry.NewError(registry.KindValidation, "manifest config media type not allow-listed", map[string]string{"media_type": m.Config.MediaType})
		}
		if !skipPresence && m.Config != nil && !g.HasBlob(m.Config.Digest) {
			return registry.NewError(registry.KindValidation, "manifest references unknown config blob", map[string]string{"detail_field": "config"})
		}
		for i, layer := range m.Layers {
			configMT := ""
			if m.Config != nil {
				configMT = m.Config.MediaType
			}
			if !g.policy.layerAllowed(configMT, layer.MediaType) {
				return registry.NewError(registry.KindValidation, "manifest layer media type not allowed", map[string]interface{}{"detail_field": "layers", "index": i, "media_type": layer.MediaType})
			}
			if !skipPresence && !g.HasBlob(layer.Digest) {
				return registry.NewError(registry.KindValidation, "manifest references unknown layer blob", map[string]interface{}{"detail_field": "layers", "index": i})
			}
		}
		return nil
	case registry.ManifestKindSigned:
		// schema1 manifests carry their own fsLayers; blob presence is
		// validated the same way as image manifests via m.Layers.
		if skipPresence {
			return nil
		}
		for _, layer := range m.Layers {
			if !g.HasBlob(layer.Digest) {
				return registry.NewError(registry.KindValidation, "manifest references unknown layer blob", map[string]string{"detail_field": "layers"})
			}
		}
		return nil
	default:
		return registry.ErrManifestInvalid
	}
}

// IngestSignature validates sigType, stores the payload via PutBlob and
// records a Signature row referencing manifestDigest.
func (g *Graph) IngestSignature(ctx context.Context, manifestDigest digest.Digest, sigType registry.SignatureType, payload []byte) (*registry.Signature, error) {
	if sigType != registry.SignatureTypeAtomic && sigType != registry.SignatureTypeCosign {
		return nil, registry.NewError(registry.KindValidation, "unsupported signature type", map[string]string{"type": string(sigType)})
	}

	payloadDigest, err := g.PutBlob(ctx, bytes.NewReader(payload), "application/octet-stream")
	if err != nil {
		return nil, err
	}

	sig := &registry.Signature{ManifestDigest: manifestDigest, Type: sigType, PayloadDigest: payloadDigest}

	g.mu.Lock()
	g.signatures[manifestDigest] = append(g.signatures[manifestDigest], sig)
	g.mu.Unlock()

	return sig, nil
}

// EmitSignatures returns every signature stored for manifestDigest.
func (g *Graph) EmitSignatures(manifestDigest digest.Digest) []*registry.Signature {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*registry.Signature(nil), g.signatures[manifestDigest]...)
}
