package contentgraph

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/manifest/manifestlist"
	"github.com/opencrate/registry/manifest/ocischema"
	"github.com/opencrate/registry/manifest/schema1"
	"github.com/opencrate/registry/manifest/schema2"
)

// parseManifest decodes canonical according to mediaType into the shared
// registry.Manifest union, dispatching to the variant-specific packages
// instead of relying on a self-registering global schema table.
func (g *Graph) parseManifest(d digest.Digest, mediaType string, canonical []byte) (*registry.Manifest, error) {
	switch mediaType {
	case MediaTypeDockerManifest:
		var dm schema2.DeserializedManifest
		if err := dm.UnmarshalJSON(canonical); err != nil {
			return nil, registry.Wrap(registry.KindValidation, "invalid schema2 manifest", err)
		}
		return &registry.Manifest{
			Digest:        d,
			MediaType:     mediaType,
			SchemaVersion: dm.SchemaVersion,
			Kind:          registry.ManifestKindImage,
			Config:        descriptorPtr(dm.Config),
			Layers:        toRegistryDescriptors(dm.Layers),
		}, nil

	case MediaTypeOCIManifest:
		var dm ocischema.DeserializedManifest
		if err := dm.UnmarshalJSON(canonical); err != nil {
			return nil, registry.Wrap(registry.KindValidation, "invalid oci manifest", err)
		}
		return &registry.Manifest{
			Digest:        d,
			MediaType:     mediaType,
			SchemaVersion: dm.SchemaVersion,
			Kind:          registry.ManifestKindImage,
			Config:        descriptorPtr(dm.Config),
			Layers:        toRegistryDescriptors(dm.Layers),
			Annotations:   dm.Annotations,
		}, nil

	case MediaTypeDockerList:
		var dml manifestlist.DeserializedManifestList
		if err := dml.UnmarshalJSON(canonical); err != nil {
			return nil, registry.Wrap(registry.KindValidation, "invalid manifest list", err)
		}
		return &registry.Manifest{
			Digest:        d,
			MediaType:     mediaType,
			SchemaVersion: dml.SchemaVersion,
			Kind:          registry.ManifestKindList,
			SubManifests:  dml.References(),
		}, nil

	case MediaTypeOCIIndex:
		var dii ocischema.DeserializedImageIndex
		if err := dii.UnmarshalJSON(canonical); err != nil {
			return nil, registry.Wrap(registry.KindValidation, "invalid oci index", err)
		}
		return &registry.Manifest{
			Digest:        d,
			MediaType:     mediaType,
			SchemaVersion: dii.SchemaVersion,
			Kind:          registry.ManifestKindList,
			SubManifests:  dii.References(),
			Annotations:   dii.Annotations,
		}, nil

	case MediaTypeDockerSchema1, MediaTypeDockerSchema1JWS:
		var sm schema1.SignedManifest
		if err := sm.UnmarshalJSON(canonical); err != nil {
			return nil, registry.Wrap(registry.KindValidation, "invalid schema1 manifest", err)
		}
		return &registry.Manifest{
			Digest:        d,
			MediaType:     mediaType,
			SchemaVersion: sm.SchemaVersion,
			Kind:          registry.ManifestKindSigned,
			Layers:        sm.References(),
			Labels:        map[string]string{"name": sm.Name, "tag": sm.Tag, "architecture": sm.Architecture},
		}, nil

	default:
		return nil, registry.NewError(registry.KindValidation, "unsupported manifest media type", map[string]string{"media_type": mediaType})
	}
}

func descriptorPtr(d registry.Descriptor) *registry.Descriptor {
	return &d
}

func toRegistryDescriptors(ds []registry.Descriptor) []registry.Descriptor {
	out := make([]registry.Descriptor, len(ds))
	copy(out, ds)
	return out
}
