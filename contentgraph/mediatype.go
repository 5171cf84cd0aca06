package contentgraph

// Built-in OCI/Docker core media types, always allow-listed regardless
// of configuration.
const (
	MediaTypeOCIManifest     = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeOCIIndex        = "application/vnd.oci.image.index.v1+json"
	MediaTypeOCIConfig       = "application/vnd.oci.image.config.v1+json"
	MediaTypeDockerManifest  = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList      = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerSchema1   = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerSchema1JWS = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeOctetStream     = "application/octet-stream"

	MediaTypeHelmConfig     = "application/vnd.cncf.helm.config.v1+json"
	MediaTypeHelmChart      = "application/vnd.cncf.helm.chart.content.v1.tar+gzip"
	MediaTypeHelmProvenance = "application/vnd.cncf.helm.chart.provenance.v1.prov"

	MediaTypeCosignSimpleSigning = "application/vnd.dev.cosign.simplesigning.v1+json"

	// MediaTypeDockerImageConfig is the schema2 config media type; not an
	// OCI artifact type proper, but built in alongside MediaTypeOCIConfig
	// since every schema2 manifest the wire protocol accepts uses it.
	MediaTypeDockerImageConfig = "application/vnd.docker.container.image.v1+json"
)

var builtinConfigToLayers = map[string][]string{
	MediaTypeOCIConfig: {
		"application/vnd.oci.image.layer.v1.tar",
		"application/vnd.oci.image.layer.v1.tar+gzip",
		"application/vnd.oci.image.layer.v1.tar+zstd",
		"application/vnd.oci.image.layer.nondistributable.v1.tar",
		"application/vnd.oci.image.layer.nondistributable.v1.tar+gzip",
		MediaTypeOctetStream,
	},
	MediaTypeDockerImageConfig: {
		MediaTypeOctetStream,
		"application/vnd.docker.image.rootfs.diff.tar.gzip",
		"application/vnd.docker.image.rootfs.foreign.diff.tar.gzip",
		"application/vnd.docker.image.rootfs.diff.tar",
	},
	MediaTypeHelmConfig: {
		MediaTypeHelmChart, MediaTypeHelmProvenance,
	},
}

// MediaTypePolicy is the per-ContentGraph allow-list of manifest media
// types, config-to-layer media-type maps and the strict/relaxed switch from
// design note OQ2.
type MediaTypePolicy struct {
	// AdditionalConfigToLayers extends the built-in config->layer map
	// (additional_oci_artifact_types in configuration).
	AdditionalConfigToLayers map[string][]string
	// Relaxed, when true, accepts any layer media type as long as the
	// config media type is allow-listed (design note OQ2).
	Relaxed bool
}

func (p MediaTypePolicy) configAllowed(mediaType string) bool {
	if _, ok := builtinConfigToLayers[mediaType]; ok {
		return true
	}
	_, ok := p.AdditionalConfigToLayers[mediaType]
	return ok
}

func (p MediaTypePolicy) layerAllowed(configMediaType, layerMediaType string) bool {
	if p.Relaxed {
		return true
	}
	if layers, ok := builtinConfigToLayers[configMediaType]; ok && containsString(layers, layerMediaType) {
		return true
	}
	if layers, ok := p.AdditionalConfigToLayers[configMediaType]; ok && containsString(layers, layerMediaType) {
		return true
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// IsManifestListMediaType reports whether mediaType identifies a manifest
// list / OCI index variant.
func IsManifestListMediaType(mediaType string) bool {
	switch mediaType {
	case MediaTypeOCIIndex, MediaTypeDockerList:
		return true
	default:
		return false
	}
}

// IsSchema1MediaType reports whether mediaType identifies the deprecated,
// JWS-signed schema1 variant.
func IsSchema1MediaType(mediaType string) bool {
	switch mediaType {
	case MediaTypeDockerSchema1, MediaTypeDockerSchema1JWS:
		return true
	default:
		return false
	}
}
