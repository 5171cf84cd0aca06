package registry

import (
	"time"

	digest "github.com/opencontainers/go-digest"
)

// ContentType distinguishes the four kinds of content a RepositoryVersion can
// reference. Tags are modeled as versioned content, not mere labels, so that
// a retag is represented as remove-old + add-new against the same name.
type ContentType string

const (
	ContentTypeBlob      ContentType = "blob"
	ContentTypeManifest  ContentType = "manifest"
	ContentTypeTag       ContentType = "tag"
	ContentTypeSignature ContentType = "signature"
)

// ContentKey identifies one entry inside a RepositoryVersion's content set.
// ContentID is a digest string for Blob/Manifest/Signature entries and a tag
// name for Tag entries.
type ContentKey struct {
	Type      ContentType
	ContentID string
}

// Descriptor is the minimal handle by which content is referenced: a digest,
// a media type and a size, mirroring the OCI descriptor shape.
type Descriptor struct {
	MediaType string       `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64        `json:"size"`
	Platform  *Platform    `json:"platform,omitempty"`
}

// Platform narrows a Descriptor inside a manifest list/index to one
// architecture/OS combination.
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// Characteristics are boolean flags derived once at manifest ingest from its
// media type, config media type and annotations/labels.
type Characteristics struct {
	IsBootable        bool
	IsFlatpak         bool
	IsHelm            bool
	IsCosignSignature bool
}

// ManifestKind tags which variant of the Manifest union a given instance is.
type ManifestKind string

const (
	ManifestKindImage  ManifestKind = "image"  // single config + layers
	ManifestKindList   ManifestKind = "list"   // manifest list / OCI index
	ManifestKindSigned ManifestKind = "signed" // schema1, JWS-signed
)

// Manifest is the tagged-variant representation described in the design
// notes: shared fields plus a kind-specific payload. Exactly one of
// (Config/Layers) or SubManifests is populated, depending on Kind.
type Manifest struct {
	Digest          digest.Digest
	MediaType       string
	SchemaVersion   int
	RawBytes        []byte
	Kind            ManifestKind
	Config          *Descriptor
	Layers          []Descriptor
	SubManifests    []Descriptor
	Annotations     map[string]string
	Labels          map[string]string
	Characteristics Characteristics
}

// Tag is a human-readable name bound to exactly one Manifest inside a single
// RepositoryVersion. Name must match the grammar in reference.ValidateTagName.
type Tag struct {
	Name           string
	ManifestDigest digest.Digest
}

// SignatureType enumerates the signature payload encodings this registry
// understands natively.
type SignatureType string

const (
	SignatureTypeAtomic SignatureType = "atomic"
	SignatureTypeCosign SignatureType = "cosign"
)

// Signature binds a Manifest digest to an opaque signature payload blob. It
// is stored independently of any RepositoryVersion: signatures, like blobs,
// are shared content addressed only by the manifest they attest to.
type Signature struct {
	ManifestDigest digest.Digest
	Type           SignatureType
	PayloadDigest  digest.Digest
	CreatedAt      time.Time
}

// RepositoryType distinguishes a push-writable repository from one that is
// exclusively populated by the Synchronizer.
type RepositoryType string

const (
	RepositoryTypePush RepositoryType = "push"
	RepositoryTypeSync RepositoryType = "sync"
)

// Repository owns a monotonically advancing chain of immutable
// RepositoryVersions, addressed within a Namespace.
type Repository struct {
	ID            string
	NamespaceName string
	Name          string
	Type          RepositoryType
	LatestVersion uint64
}

// FullName is the "ns/name" form used throughout the wire protocol and
// Namespace path grammar.
func (r Repository) FullName() string {
	if r.NamespaceName == "" {
		return r.Name
	}
	return r.NamespaceName + "/" + r.Name
}

// NamespaceRole is the permission level a user holds over a Namespace.
type NamespaceRole string

const (
	RoleOwner        NamespaceRole = "owner"
	RoleCollaborator NamespaceRole = "collaborator"
	RoleConsumer     NamespaceRole = "consumer"
)

// Namespace owns a set of repositories under a path prefix.
type Namespace struct {
	Name string
}

// Distribution is a published endpoint serving either a pinned
// RepositoryVersion or a Repository's latest_version.
type Distribution struct {
	BasePath        string
	RepositoryID    string
	PinnedVersion   *uint64
	Private         bool
	RemoteName      string // non-empty for pull-through distributions
}

// DownloadPolicy controls when the Synchronizer materializes blob bytes.
type DownloadPolicy string

const (
	DownloadImmediate DownloadPolicy = "immediate"
	DownloadOnDemand  DownloadPolicy = "on_demand"
	DownloadStreamed  DownloadPolicy = "streamed"
)

// SyncMode selects whether a sync removes tags absent upstream.
type SyncMode string

const (
	SyncModeAdditive SyncMode = "additive"
	SyncModeMirror   SyncMode = "mirror"
)

// Remote is a handle to an upstream registry used for syncing or
// pull-through caching.
type Remote struct {
	Name         string
	URL          string
	Username     string
	Password     string
	SigstoreURL  string
	IncludeTags  []string
	ExcludeTags  []string
	Policy       DownloadPolicy
	RateLimit    int
	MaxRetries   int
}

// Credential is the minimal local fallback principal used only when token
// auth is globally disabled; full user/group/role administration lives
// outside this module.
type Credential struct {
	Username     string
	BcryptHash   []byte
	NamespaceRoles map[string]NamespaceRole
}
