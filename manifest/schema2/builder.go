package schema2

import (
	"bytes"
	"context"
	"errors"
	"io"

	digest "github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"

	"github.com/opencrate/registry"
)

// BlobPutter is the subset of contentgraph.Graph's blob API the builder
// needs to publish a configuration blob while assembling a manifest.
type BlobPutter interface {
	PutBlob(ctx context.Context, r io.Reader, mediaType string, extraAlgos ...digest.Algorithm) (digest.Digest, error)
	HasBlob(d digest.Digest) bool
}

// builder is a type for constructing manifests.
type builder struct {
	// bs is used to publish the configuration blob.
	bs BlobPutter

	// configMediaType is media type used to describe configuration
	configMediaType string

	// configJSON references
	configJSON []byte

	// layers is a list of descriptors that gets built by successive
	// calls to AppendReference. In case of image configuration these are layers.
	layers []registry.Descriptor
}

// NewManifestBuilder is used to build new manifests for the current schema
// version. It takes a BlobPutter so it can publish the configuration blob
// as part of the Build process.
func NewManifestBuilder(bs BlobPutter, configMediaType string, configJSON []byte) *builder {
	mb := &builder{
		bs:              bs,
		configMediaType: configMediaType,
		configJSON:      make([]byte, len(configJSON)),
	}
	copy(mb.configJSON, configJSON)

	return mb
}

// Build produces a final manifest from the given references.
func (mb *builder) Build(ctx context.Context) (*DeserializedManifest, error) {
	m := Manifest{
		Versioned: specs.Versioned{SchemaVersion: defaultSchemaVersion},
		MediaType: defaultMediaType,
		Layers:    make([]registry.Descriptor, len(mb.layers)),
	}
	copy(m.Layers, mb.layers)

	configDigest := digest.FromBytes(mb.configJSON)

	if mb.bs.HasBlob(configDigest) {
		m.Config = registry.Descriptor{
			MediaType: mb.configMediaType,
			Digest:    configDigest,
			Size:      int64(len(mb.configJSON)),
		}
		return FromStruct(m)
	}

	putDigest, err := mb.bs.PutBlob(ctx, bytes.NewReader(mb.configJSON), mb.configMediaType)
	if err != nil {
		return nil, err
	}

	m.Config = registry.Descriptor{
		MediaType: mb.configMediaType,
		Digest:    putDigest,
		Size:      int64(len(mb.configJSON)),
	}

	return FromStruct(m)
}

// AppendReference adds a reference to the current ManifestBuilder.
func (mb *builder) AppendReference(d interface{}) error {
	describable, ok := d.(interface{ Descriptor() registry.Descriptor })
	if !ok {
		return errors.New("schema2: value does not implement Descriptor()")
	}
	mb.layers = append(mb.layers, describable.Descriptor())
	return nil
}

// References returns the current references added to this builder.
func (mb *builder) References() []registry.Descriptor {
	return mb.layers
}
