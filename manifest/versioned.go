// Package manifest holds the version envelope shared by every manifest
// schema variant.
package manifest

// Versioned carries the schemaVersion and mediaType common to all manifest
// documents; content of unknown schema is decoded against this first to
// pick a parser.
type Versioned struct {
	// SchemaVersion is the image manifest schema this document follows.
	SchemaVersion int `json:"schemaVersion"`

	// MediaType is the media type of this document.
	MediaType string `json:"mediaType,omitempty"`
}

// Unversioned carries only the mediaType, for content whose schema version
// is absent or untrustworthy.
type Unversioned struct {
	// MediaType is the media type of this document.
	MediaType string `json:"mediaType,omitempty"`
}
