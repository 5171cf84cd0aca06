// Package repoengine implements the repository version engine: immutable
// RepositoryVersions with recursive add/remove closures computed over a
// contentgraph.Graph, and the diff/tag/untag/copy operations built on top
// of that closure walk.
package repoengine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
)

// Ref is a caller-supplied content descriptor: a tag name, a manifest
// digest, or a blob digest, disambiguated by Type.
type Ref struct {
	Type registry.ContentType
	ID   string // tag name, or digest string
}

func TagRef(name string) Ref { return Ref{Type: registry.ContentTypeTag, ID: name} }
func ManifestRef(d digest.Digest) Ref {
	return Ref{Type: registry.ContentTypeManifest, ID: d.String()}
}
func BlobRef(d digest.Digest) Ref { return Ref{Type: registry.ContentTypeBlob, ID: d.String()} }

// Version is an immutable RepositoryVersion: a numbered, content-addressed
// set of entries plus the tag->manifest bindings active at that version.
type Version struct {
	RepositoryID string
	Number       uint64
	BaseVersion  *uint64
	committed    bool
	entries      map[registry.ContentKey]struct{}
	tags         map[string]digest.Digest // tag name -> manifest digest, derived from entries
}

func newVersion(repoID string, number uint64, base *uint64) *Version {
	return &Version{
		RepositoryID: repoID,
		Number:       number,
		BaseVersion:  base,
		entries:      make(map[registry.ContentKey]struct{}),
		tags:         make(map[string]digest.Digest),
	}
}

func (v *Version) clone() *Version {
	var base *uint64
	if v.committed {
		n := v.Number
		base = &n
	}
	nv := newVersion(v.RepositoryID, v.Number, base)
	for k := range v.entries {
		nv.entries[k] = struct{}{}
	}
	for k, d := range v.tags {
		nv.tags[k] = d
	}
	return nv
}

// Present reports whether a content key is present in this version.
func (v *Version) Present(key registry.ContentKey) bool {
	_, ok := v.entries[key]
	return ok
}

// TagManifest returns the manifest digest bound to name in this version.
func (v *Version) TagManifest(name string) (digest.Digest, bool) {
	d, ok := v.tags[name]
	return d, ok
}

// TagNames returns every tag name present, sorted for stable pagination.
func (v *Version) TagNames() []string {
	names := make([]string, 0, len(v.tags))
	for name := range v.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns every content key this version retains, for callers that
// need to mark reachable content across every repository (the gc mark
// phase), rather than query one key at a time via Present.
func (v *Version) Entries() []registry.ContentKey {
	keys := make([]registry.ContentKey, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	return keys
}

// ContentSummary is the Diff(a, b) result.
type ContentSummary struct {
	Added   map[registry.ContentType][]string
	Removed map[registry.ContentType][]string
	Present map[registry.ContentType][]string
}

// Engine computes RepositoryVersions over a contentgraph.Graph. It holds no
// notion of which Repository a version belongs to beyond the RepositoryID
// string threaded through by the caller; the repository/namespace registry
// itself lives in regstore.
type Engine struct {
	graph *contentgraph.Graph

	mu       sync.Mutex
	versions map[string][]*Version // repositoryID -> versions, index == Number
}

func New(graph *contentgraph.Graph) *Engine {
	return &Engine{graph: graph, versions: make(map[string][]*Version)}
}

// Empty returns the (not yet persisted) zero version for a fresh repository.
func (e *Engine) Empty(repositoryID string) *Version {
	return newVersion(repositoryID, 0, nil)
}

// Latest returns the highest-numbered version recorded for repositoryID, or
// the empty version if none exists yet.
func (e *Engine) Latest(repositoryID string) *Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	vs := e.versions[repositoryID]
	if len(vs) == 0 {
		return e.Empty(repositoryID)
	}
	return vs[len(vs)-1]
}

// Version returns the version numbered n for repositoryID, if any.
func (e *Engine) Version(repositoryID string, n uint64) (*Version, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	vs := e.versions[repositoryID]
	if n >= uint64(len(vs)) {
		return nil, false
	}
	return vs[n], true
}

// commit appends nv as the next version for its repository. This is the
// sole mutation point; a failed closure walk never reaches here, so the
// latest version only ever advances on success.
func (e *Engine) commit(nv *Version) *Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	vs := e.versions[nv.RepositoryID]
	nv.Number = uint64(len(vs))
	nv.committed = true
	e.versions[nv.RepositoryID] = append(vs, nv)
	return nv
}

// RecursiveAdd computes the closure of refs against base and commits a new
// version. Closure rules:
//   - a Tag also adds its Manifest and the Manifest's closure;
//   - a ManifestList also adds all sub-Manifests and their closures;
//   - a (non-list) Manifest also adds its config Blob and layer Blobs;
//   - adding a Tag whose name already exists first removes the existing
//     Tag, non-recursively: the old manifest's closure is left untouched
//     by this step.
func (e *Engine) RecursiveAdd(ctx context.Context, base *Version, refs []Ref, tagNames map[string]string) (*Version, error) {
	nv := base.clone()

	// tagNames maps each Tag ref's name to the manifest digest string it
	// binds (callers building refs from a push/sync pass the manifest
	// digest as tagNames[name]).
	for _, ref := range refs {
		if ref.Type == registry.ContentTypeTag {
			if _, ok := nv.tags[ref.ID]; ok {
				delete(nv.entries, registry.ContentKey{Type: registry.ContentTypeTag, ContentID: ref.ID})
				delete(nv.tags, ref.ID)
			}
		}
	}

	if err := e.addClosure(ctx, nv, refs, tagNames); err != nil {
		return nil, err
	}
	return e.commit(nv), nil
}

func (e *Engine) addClosure(ctx context.Context, nv *Version, refs []Ref, tagNames map[string]string) error {
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			switch ref.Type {
			case registry.ContentTypeTag:
				manifestDigestStr, ok := tagNames[ref.ID]
				if !ok {
					return registry.NewError(registry.KindValidation, "tag ref missing bound manifest digest", map[string]string{"tag": ref.ID})
				}
				d, err := digest.Parse(manifestDigestStr)
				if err != nil {
					return registry.Wrap(registry.KindValidation, "invalid manifest digest for tag", err)
				}
				if err := e.addManifestClosure(ctx, nv, &mu, d); err != nil {
					return err
				}
				mu.Lock()
				nv.entries[registry.ContentKey{Type: registry.ContentTypeTag, ContentID: ref.ID}] = struct{}{}
				nv.tags[ref.ID] = d
				mu.Unlock()
				return nil

			case registry.ContentTypeManifest:
				d, err := digest.Parse(ref.ID)
				if err != nil {
					return registry.Wrap(registry.KindValidation, "invalid manifest digest", err)
				}
				return e.addManifestClosure(ctx, nv, &mu, d)

			case registry.ContentTypeBlob:
				d, err := digest.Parse(ref.ID)
				if err != nil {
					return registry.Wrap(registry.KindValidation, "invalid blob digest", err)
				}
				if !e.graph.HasBlob(d) {
					return registry.ErrBlobUnknown
				}
				mu.Lock()
				nv.entries[registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: ref.ID}] = struct{}{}
				mu.Unlock()
				return nil

			default:
				return fmt.Errorf("repoengine: unknown ref type %q", ref.Type)
			}
		})
	}
	return g.Wait()
}

// addManifestClosure adds manifestDigest and its transitive closure
// (sub-manifests for a list, config+layers for an image) into nv. Safe to
// call concurrently for independent digests; mu guards nv.entries.
func (e *Engine) addManifestClosure(ctx context.Context, nv *Version, mu *sync.Mutex, d digest.Digest) error {
	mu.Lock()
	key := registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: d.String()}
	_, already := nv.entries[key]
	if !already {
		nv.entries[key] = struct{}{}
	}
	mu.Unlock()
	if already {
		return nil
	}

	m, err := e.graph.GetManifest(d)
	if err != nil {
		return err
	}

	if m.Kind == registry.ManifestKindList {
		g, ctx := errgroup.WithContext(ctx)
		for _, sub := range m.SubManifests {
			sub := sub
			g.Go(func() error {
				return e.addManifestClosure(ctx, nv, mu, sub.Digest)
			})
		}
		return g.Wait()
	}

	mu.Lock()
	if m.Config != nil {
		nv.entries[registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: m.Config.Digest.String()}] = struct{}{}
	}
	for _, layer := range m.Layers {
		nv.entries[registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: layer.Digest.String()}] = struct{}{}
	}
	mu.Unlock()
	return nil
}

// RecursiveRemove computes the symmetric removal of refs from base: a
// removed Tag's Manifest closure is removed too, but only the parts of
// that closure not still referenced by something remaining in the
// version, so remove(add(V, C), C) == V setwise.
func (e *Engine) RecursiveRemove(ctx context.Context, base *Version, refs []Ref) (*Version, error) {
	nv := base.clone()

	for _, ref := range refs {
		switch ref.Type {
		case registry.ContentTypeTag:
			d, ok := nv.tags[ref.ID]
			delete(nv.entries, registry.ContentKey{Type: registry.ContentTypeTag, ContentID: ref.ID})
			delete(nv.tags, ref.ID)
			if ok {
				e.removeManifestClosureIfUnreferenced(nv, d)
			}
		case registry.ContentTypeManifest:
			d, err := digest.Parse(ref.ID)
			if err != nil {
				return nil, registry.Wrap(registry.KindValidation, "invalid manifest digest", err)
			}
			e.removeManifestClosureIfUnreferenced(nv, d)
		case registry.ContentTypeBlob:
			d, err := digest.Parse(ref.ID)
			if err != nil {
				return nil, registry.Wrap(registry.KindValidation, "invalid blob digest", err)
			}
			if !e.blobStillReferenced(nv, d) {
				delete(nv.entries, registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: ref.ID})
			}
		}
	}
	return e.commit(nv), nil
}

// removeManifestClosureIfUnreferenced drops manifestDigest (and recursively
// its sub-manifests/config/layers) from nv, but leaves any piece still
// reachable from a remaining Tag or Manifest entry.
func (e *Engine) removeManifestClosureIfUnreferenced(nv *Version, d digest.Digest) {
	if e.manifestStillReferenced(nv, d) {
		return
	}
	key := registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: d.String()}
	if _, ok := nv.entries[key]; !ok {
		return
	}
	delete(nv.entries, key)

	m, err := e.graph.GetManifest(d)
	if err != nil {
		return
	}
	if m.Kind == registry.ManifestKindList {
		for _, sub := range m.SubManifests {
			e.removeManifestClosureIfUnreferenced(nv, sub.Digest)
		}
		return
	}
	if m.Config != nil {
		e.removeBlobIfUnreferenced(nv, m.Config.Digest)
	}
	for _, layer := range m.Layers {
		e.removeBlobIfUnreferenced(nv, layer.Digest)
	}
}

func (e *Engine) removeBlobIfUnreferenced(nv *Version, d digest.Digest) {
	if !e.blobStillReferenced(nv, d) {
		delete(nv.entries, registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: d.String()})
	}
}

// manifestStillReferenced reports whether any Tag entry remaining in nv
// still points (directly or via a list) at d, or whether any other
// remaining Manifest list entry references d as a sub-manifest.
func (e *Engine) manifestStillReferenced(nv *Version, d digest.Digest) bool {
	for _, bound := range nv.tags {
		if bound == d {
			return true
		}
	}
	for key := range nv.entries {
		if key.Type != registry.ContentTypeManifest {
			continue
		}
		other, err := digest.Parse(key.ContentID)
		if err != nil || other == d {
			continue
		}
		m, err := e.graph.GetManifest(other)
		if err != nil || m.Kind != registry.ManifestKindList {
			continue
		}
		for _, sub := range m.SubManifests {
			if sub.Digest == d {
				return true
			}
		}
	}
	return false
}

// blobStillReferenced reports whether any remaining Manifest entry in nv
// still references d as a config or layer blob.
func (e *Engine) blobStillReferenced(nv *Version, d digest.Digest) bool {
	for key := range nv.entries {
		if key.Type != registry.ContentTypeManifest {
			continue
		}
		mdigest, err := digest.Parse(key.ContentID)
		if err != nil {
			continue
		}
		m, err := e.graph.GetManifest(mdigest)
		if err != nil {
			continue
		}
		if m.Config != nil && m.Config.Digest == d {
			return true
		}
		for _, layer := range m.Layers {
			if layer.Digest == d {
				return true
			}
		}
	}
	return false
}

// Tag binds name to manifestDigest in a new version derived from base,
// replacing any existing binding for name.
func (e *Engine) Tag(ctx context.Context, base *Version, manifestDigest digest.Digest, name string) (*Version, error) {
	refs := []Ref{TagRef(name)}
	tagNames := map[string]string{name: manifestDigest.String()}
	return e.RecursiveAdd(ctx, base, refs, tagNames)
}

// Untag removes name's binding in a new version derived from base.
func (e *Engine) Untag(ctx context.Context, base *Version, name string) (*Version, error) {
	return e.RecursiveRemove(ctx, base, []Ref{TagRef(name)})
}

// CopyTags recursive-adds the named tags (all tags if names is nil) from
// src into a new version derived from dst.
func (e *Engine) CopyTags(ctx context.Context, src, dst *Version, names []string) (*Version, error) {
	if names == nil {
		names = src.TagNames()
	}
	refs := make([]Ref, 0, len(names))
	tagNames := make(map[string]string, len(names))
	for _, name := range names {
		d, ok := src.TagManifest(name)
		if !ok {
			return nil, registry.ErrTagUnknown
		}
		refs = append(refs, TagRef(name))
		tagNames[name] = d.String()
	}
	return e.RecursiveAdd(ctx, dst, refs, tagNames)
}

// CopyManifests recursive-adds the given manifest digests from src into a
// new version derived from dst (mediaTypes filtering is left to the caller,
// who can enumerate src's manifest entries and filter by media type before
// calling this).
func (e *Engine) CopyManifests(ctx context.Context, dst *Version, digests []digest.Digest) (*Version, error) {
	refs := make([]Ref, 0, len(digests))
	for _, d := range digests {
		refs = append(refs, ManifestRef(d))
	}
	return e.RecursiveAdd(ctx, dst, refs, nil)
}

// Diff computes the set-symmetric ContentSummary between a and b.
func Diff(a, b *Version) ContentSummary {
	cs := ContentSummary{
		Added:   make(map[registry.ContentType][]string),
		Removed: make(map[registry.ContentType][]string),
		Present: make(map[registry.ContentType][]string),
	}
	for key := range b.entries {
		if _, ok := a.entries[key]; !ok {
			cs.Added[key.Type] = append(cs.Added[key.Type], key.ContentID)
		}
		cs.Present[key.Type] = append(cs.Present[key.Type], key.ContentID)
	}
	for key := range a.entries {
		if _, ok := b.entries[key]; !ok {
			cs.Removed[key.Type] = append(cs.Removed[key.Type], key.ContentID)
		}
	}
	for _, ids := range cs.Added {
		sort.Strings(ids)
	}
	for _, ids := range cs.Removed {
		sort.Strings(ids)
	}
	for _, ids := range cs.Present {
		sort.Strings(ids)
	}
	return cs
}
