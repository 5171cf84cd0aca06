package ocischema

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/opencrate/registry"
)

const expectedManifestSerialization = `{
   "schemaVersion": 2,
   "mediaType": "application/vnd.oci.image.manifest.v1+json",
   "config": {
      "mediaType": "application/vnd.oci.image.config.v1+json",
      "digest": "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b",
      "size": 985
   },
   "layers": [
      {
         "mediaType": "application/vnd.oci.image.layer.v1.tar+gzip",
         "digest": "sha256:62d8908bee94c202b2d35224a221aaa2058318bfa9879fa541efaecba272331b",
         "size": 153263
      }
   ],
   "annotations": {
      "hot": "potato"
   }
}`

func makeTestManifest(mediaType string) Manifest {
	return Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType,
		Config: registry.Descriptor{
			MediaType: v1.MediaTypeImageConfig,
			Digest:    "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b",
			Size:      985,
		},
		Layers: []registry.Descriptor{
			{
				MediaType: v1.MediaTypeImageLayerGzip,
				Digest:    "sha256:62d8908bee94c202b2d35224a221aaa2058318bfa9879fa541efaecba272331b",
				Size:      153263,
			},
		},
		Annotations: map[string]string{"hot": "potato"},
	}
}

func TestManifest(t *testing.T) {
	mfst := makeTestManifest(v1.MediaTypeImageManifest)

	deserialized, err := FromStruct(mfst)
	if err != nil {
		t.Fatalf("error creating DeserializedManifest: %v", err)
	}

	mediaType, canonical, _ := deserialized.Payload()

	if mediaType != v1.MediaTypeImageManifest {
		t.Fatalf("unexpected media type: %s", mediaType)
	}

	expected, err := json.MarshalIndent(&mfst, "", "   ")
	if err != nil {
		t.Fatalf("error marshaling manifest: %v", err)
	}
	if !bytes.Equal(expected, canonical) {
		t.Fatalf("manifest bytes not equal:\nexpected:\n%s\nactual:\n%s\n", string(expected), string(canonical))
	}

	if !bytes.Equal([]byte(expectedManifestSerialization), canonical) {
		t.Fatalf("manifest bytes not equal:\nexpected:\n%s\nactual:\n%s\n", expectedManifestSerialization, string(canonical))
	}

	var unmarshalled DeserializedManifest
	if err := unmarshalled.UnmarshalJSON(deserialized.canonical); err != nil {
		t.Fatalf("error unmarshaling manifest: %v", err)
	}

	if unmarshalled.Annotations["hot"] != "potato" {
		t.Fatalf("unexpected annotation in manifest: %s", unmarshalled.Annotations["hot"])
	}

	target := deserialized.Target()
	if target.Digest != "sha256:1a9ec845ee94c202b2d5da74a24f0ed2058318bfa9879fa541efaecba272e86b" {
		t.Fatalf("unexpected digest in target: %s", target.Digest.String())
	}
	if target.MediaType != v1.MediaTypeImageConfig {
		t.Fatalf("unexpected media type in target: %s", target.MediaType)
	}
	if target.Size != 985 {
		t.Fatalf("unexpected size in target: %d", target.Size)
	}

	references := deserialized.References()
	if len(references) != 2 {
		t.Fatalf("unexpected number of references: %d", len(references))
	}

	if references[0].Digest != target.Digest {
		t.Fatalf("first reference should be target: %v != %v", references[0], target)
	}

	if references[1].Digest != "sha256:62d8908bee94c202b2d35224a221aaa2058318bfa9879fa541efaecba272331b" {
		t.Fatalf("unexpected digest in reference: %s", references[1].Digest.String())
	}
	if references[1].MediaType != v1.MediaTypeImageLayerGzip {
		t.Fatalf("unexpected media type in reference: %s", references[1].MediaType)
	}
	if references[1].Size != 153263 {
		t.Fatalf("unexpected size in reference: %d", references[1].Size)
	}
}

func manifestMediaTypeTest(mediaType string, shouldError bool) func(*testing.T) {
	return func(t *testing.T) {
		mfst := makeTestManifest(mediaType)

		deserialized, err := FromStruct(mfst)
		if err != nil {
			t.Fatalf("error creating DeserializedManifest: %v", err)
		}

		var reparsed DeserializedManifest
		err = reparsed.UnmarshalJSON(deserialized.canonical)

		if shouldError {
			if err == nil {
				t.Fatal("bad media type should have produced error")
			}
			return
		}

		if err != nil {
			t.Fatalf("error unmarshaling manifest, %v", err)
		}
		if reparsed.MediaType != mediaType {
			t.Fatalf("bad media type %q as unmarshalled", reparsed.MediaType)
		}
	}
}

func TestManifestMediaTypes(t *testing.T) {
	t.Run("No_MediaType", manifestMediaTypeTest("", false))
	t.Run("ImageManifest", manifestMediaTypeTest(v1.MediaTypeImageManifest, false))
	t.Run("Bad_MediaType", manifestMediaTypeTest(v1.MediaTypeImageManifest+"XXX", true))
}

func TestValidateManifest(t *testing.T) {
	mfst := Manifest{
		Config: registry.Descriptor{Size: 1},
		Layers: []registry.Descriptor{{Size: 2}},
	}
	index := ImageIndex{
		Manifests: []registry.Descriptor{{Size: 3}},
	}
	t.Run("valid", func(t *testing.T) {
		b, err := json.Marshal(mfst)
		if err != nil {
			t.Fatal("unexpected error marshaling manifest", err)
		}
		if err := validateManifest(b); err != nil {
			t.Error("manifest should be valid", err)
		}
	})
	t.Run("invalid", func(t *testing.T) {
		b, err := json.Marshal(index)
		if err != nil {
			t.Fatal("unexpected error marshaling index", err)
		}
		if err := validateManifest(b); err == nil {
			t.Error("index should not be valid")
		}
	})
}
