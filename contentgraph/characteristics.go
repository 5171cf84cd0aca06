package contentgraph

import (
	"regexp"
	"strings"

	"github.com/opencrate/registry"
)

var cosignTagPattern = regexp.MustCompile(`^sha256-[0-9a-f]{64}\.(sig|att|sbom)$`)

const (
	annotationBootcLabel  = "containers.bootc"
	annotationFlatpakRef  = "org.flatpak.ref"
)

// deriveCharacteristics computes the boolean flags derived once at
// ingest from a manifest's media type, config media type and
// annotations/labels. Absence of a label is never an error, only false.
func deriveCharacteristics(m *registry.Manifest) registry.Characteristics {
	var c registry.Characteristics

	isImageConfig := m.Config != nil && (m.Config.MediaType == MediaTypeOCIConfig || m.Config.MediaType == MediaTypeDockerImageConfig)

	if isImageConfig {
		if _, ok := m.Annotations[annotationBootcLabel]; ok {
			c.IsBootable = true
		}
		if _, ok := m.Labels[annotationBootcLabel]; ok {
			c.IsBootable = true
		}
	}

	if _, ok := m.Annotations[annotationFlatpakRef]; ok {
		c.IsFlatpak = true
	}
	if _, ok := m.Labels[annotationFlatpakRef]; ok {
		c.IsFlatpak = true
	}

	if m.Config != nil && m.Config.MediaType == MediaTypeHelmConfig {
		c.IsHelm = true
	}

	if m.Config != nil && m.Config.MediaType == MediaTypeCosignSimpleSigning {
		c.IsCosignSignature = true
	} else if m.MediaType == MediaTypeOCIManifest && len(m.Layers) == 0 {
		// A manifest with an OCI media type, zero layers, tagged with the
		// cosign signature naming convention is recognized even without
		// inspecting config bytes (cosign objects commonly carry an empty
		// config of type application/vnd.oci.image.config.v1+json).
		c.IsCosignSignature = hasCosignTagShape(m.Annotations["tag"])
	}

	return c
}

func hasCosignTagShape(tag string) bool {
	return tag != "" && cosignTagPattern.MatchString(strings.ToLower(tag))
}
