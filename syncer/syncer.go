package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/repoengine"
)

// acceptAllManifests is the full built-in manifest media-type set, sent
// as the Accept header so schema negotiation never needs a second round
// trip for a type this module already understands.
const acceptAllManifests = contentgraph.MediaTypeOCIIndex + "," +
	contentgraph.MediaTypeOCIManifest + "," +
	contentgraph.MediaTypeDockerList + "," +
	contentgraph.MediaTypeDockerManifest + "," +
	contentgraph.MediaTypeDockerSchema1JWS + "," +
	contentgraph.MediaTypeDockerSchema1

// TagOutcome records one tag's fate during a sync pass.
type TagOutcome struct {
	Tag    string
	Status string // "fetched", "skipped-cached", "failed"
	Reason string
}

// Result is returned by Sync, summarizing what happened so a TaskRuntime
// caller can surface it in Task.progress.
type Result struct {
	Version  *repoengine.Version
	Outcomes []TagOutcome
}

// Synchronizer performs mirror/additive remote sync, tag filtering,
// manifest schema negotiation, blob materialization per Remote.Policy,
// signature discovery and pull-through caching. Retry/backoff policy and
// the challenge-aware client live in client.go.
type Synchronizer struct {
	graph  *contentgraph.Graph
	engine *repoengine.Engine
	store  *repoengine.Store
}

func New(graph *contentgraph.Graph, engine *repoengine.Engine, store *repoengine.Store) *Synchronizer {
	return &Synchronizer{graph: graph, engine: engine, store: store}
}

type upstreamTagList struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Sync performs a full sync of repo against remote in mode, applying tag
// filters, and returns the new RepositoryVersion committed.
func (s *Synchronizer) Sync(ctx context.Context, repo *registry.Repository, remote *registry.Remote, mode registry.SyncMode) (*Result, error) {
	client := newUpstreamClient(remote.Username, remote.Password, remote.MaxRetries)

	tags, err := s.listTags(ctx, client, remote, repo.Name)
	if err != nil {
		return nil, registry.Wrap(registry.KindUpstream, "listing upstream tags", err)
	}
	sort.Strings(tags)

	var surviving []string
	for _, t := range tags {
		if tagAllowed(t, remote.IncludeTags, remote.ExcludeTags) {
			surviving = append(surviving, t)
		}
	}

	base := s.engine.Latest(repo.ID)
	refs := make([]repoengine.Ref, 0, len(surviving))
	tagNames := make(map[string]string, len(surviving))
	outcomes := make([]TagOutcome, 0, len(surviving))

	for _, tag := range surviving {
		d, status, reason, err := s.syncOneTag(ctx, client, remote, repo.Name, tag, base)
		if err != nil {
			outcomes = append(outcomes, TagOutcome{Tag: tag, Status: "failed", Reason: err.Error()})
			continue
		}
		refs = append(refs, repoengine.TagRef(tag))
		tagNames[tag] = d.String()
		outcomes = append(outcomes, TagOutcome{Tag: tag, Status: status, Reason: reason})
	}

	nv, err := s.engine.RecursiveAdd(ctx, base, refs, tagNames)
	if err != nil {
		return nil, err
	}

	if mode == registry.SyncModeMirror {
		survivingSet := make(map[string]struct{}, len(surviving))
		for _, t := range surviving {
			survivingSet[t] = struct{}{}
		}
		var removeRefs []repoengine.Ref
		for _, existing := range nv.TagNames() {
			if _, ok := survivingSet[existing]; !ok {
				removeRefs = append(removeRefs, repoengine.TagRef(existing))
			}
		}
		if len(removeRefs) > 0 {
			nv, err = s.engine.RecursiveRemove(ctx, nv, removeRefs)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.AdvanceLatest(repo.ID, nv.Number); err != nil {
		return nil, err
	}
	return &Result{Version: nv, Outcomes: outcomes}, nil
}

// syncOneTag fetches one tag's manifest closure and ingests its signatures,
// returning the manifest digest bound to tag.
func (s *Synchronizer) syncOneTag(ctx context.Context, client *upstreamClient, remote *registry.Remote, name, tag string, base *repoengine.Version) (digest.Digest, string, string, error) {
	raw, header, _, err := client.getBytes(ctx, manifestURL(remote.URL, name, tag), acceptAllManifests)
	if err != nil {
		return "", "", "", err
	}
	mediaType := header.Get("Content-Type")

	if upstreamDigest := header.Get("Docker-Content-Digest"); upstreamDigest != "" {
		if d, err := digest.Parse(upstreamDigest); err == nil && base.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: d.String()}) {
			s.discoverSignatures(ctx, client, remote, name, d)
			return d, "skipped-cached", "already present locally", nil
		}
	}

	m, err := s.graph.PutManifest(ctx, raw, mediaType, contentgraph.SkipReferenceVerification())
	if err != nil {
		return "", "", "", err
	}

	if m.Kind == registry.ManifestKindList {
		for _, sub := range m.SubManifests {
			if s.graph.HasBlob(sub.Digest) || manifestPresent(s.graph, sub.Digest) {
				continue
			}
			if err := s.fetchManifestByDigest(ctx, client, remote, name, sub.Digest); err != nil {
				return "", "", "", fmt.Errorf("sub-manifest %s: %w", sub.Digest, err)
			}
		}
	} else {
		if m.Config != nil {
			if err := s.fetchBlob(ctx, client, remote, name, m.Config.Digest, remote.Policy); err != nil {
				return "", "", "", fmt.Errorf("config blob %s: %w", m.Config.Digest, err)
			}
		}
		for _, layer := range m.Layers {
			if err := s.fetchBlob(ctx, client, remote, name, layer.Digest, remote.Policy); err != nil {
				return "", "", "", fmt.Errorf("layer blob %s: %w", layer.Digest, err)
			}
		}
	}

	s.discoverSignatures(ctx, client, remote, name, m.Digest)
	return m.Digest, "fetched", "", nil
}

func manifestPresent(g *contentgraph.Graph, d digest.Digest) bool {
	_, err := g.GetManifest(d)
	return err == nil
}

func (s *Synchronizer) fetchManifestByDigest(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string, d digest.Digest) error {
	raw, header, _, err := client.getBytes(ctx, manifestURL(remote.URL, name, d.String()), acceptAllManifests)
	if err != nil {
		return err
	}
	m, err := s.graph.PutManifest(ctx, raw, header.Get("Content-Type"), contentgraph.SkipReferenceVerification())
	if err != nil {
		return err
	}
	if m.Config != nil {
		if err := s.fetchBlob(ctx, client, remote, name, m.Config.Digest, remote.Policy); err != nil {
			return err
		}
	}
	for _, layer := range m.Layers {
		if err := s.fetchBlob(ctx, client, remote, name, layer.Digest, remote.Policy); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlob materializes d per policy: immediate stores bytes now;
// on_demand and streamed leave the blob unfetched here, to be served by
// MaterializeBlob on first pull.
func (s *Synchronizer) fetchBlob(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string, d digest.Digest, policy registry.DownloadPolicy) error {
	if s.graph.HasBlob(d) {
		return nil
	}
	if policy != registry.DownloadImmediate {
		return nil
	}
	body, _, _, err := client.getBytes(ctx, blobURL(remote.URL, name, d.String()), "")
	if err != nil {
		return err
	}
	_, err = s.graph.PutBlob(ctx, bytes.NewReader(body), "application/octet-stream")
	return err
}

// discoverSignatures always probes the docker extension API and the cosign
// tag, and the sigstore URL when remote.SigstoreURL is set; a manifest may
// be signed by more than one of them.
func (s *Synchronizer) discoverSignatures(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string, manifestDigest digest.Digest) {
	s.discoverDockerExtensionSignature(ctx, client, remote, name, manifestDigest)
	s.discoverCosignTagSignature(ctx, client, remote, name, manifestDigest)
	if remote.SigstoreURL != "" {
		s.discoverSigstoreSignature(ctx, client, remote, manifestDigest)
	}
}

func (s *Synchronizer) discoverDockerExtensionSignature(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string, d digest.Digest) {
	url := strings.TrimSuffix(remote.URL, "/") + "/extensions/v2/" + name + "/signatures/" + d.String()
	body, _, status, err := client.getBytes(ctx, url, "")
	if err != nil || status == 404 {
		return
	}
	var payload struct {
		Signatures []struct {
			Content []byte `json:"content"`
		} `json:"signatures"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return
	}
	for _, sig := range payload.Signatures {
		_, _ = s.graph.IngestSignature(ctx, d, registry.SignatureTypeAtomic, sig.Content)
	}
}

func (s *Synchronizer) discoverCosignTagSignature(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string, d digest.Digest) {
	cosignTag := "sha256-" + d.Encoded() + ".sig"
	if d.Algorithm().String() != "sha256" {
		return
	}
	raw, header, status, err := client.getBytes(ctx, manifestURL(remote.URL, name, cosignTag), acceptAllManifests)
	if err != nil || status == 404 {
		return
	}
	m, err := s.graph.PutManifest(ctx, raw, header.Get("Content-Type"), contentgraph.SkipReferenceVerification())
	if err != nil {
		return
	}
	for _, layer := range m.Layers {
		body, _, _, err := client.getBytes(ctx, blobURL(remote.URL, name, layer.Digest.String()), "")
		if err != nil {
			continue
		}
		_, _ = s.graph.IngestSignature(ctx, d, registry.SignatureTypeCosign, body)
	}
}

func (s *Synchronizer) discoverSigstoreSignature(ctx context.Context, client *upstreamClient, remote *registry.Remote, d digest.Digest) {
	for n := 1; ; n++ {
		url := fmt.Sprintf("%s/%s=%s/signature-%d", strings.TrimSuffix(remote.SigstoreURL, "/"), d.Algorithm(), d.Encoded(), n)
		body, _, status, err := client.getBytes(ctx, url, "")
		if err != nil || status == 404 {
			return
		}
		if _, err := s.graph.IngestSignature(ctx, d, registry.SignatureTypeCosign, body); err != nil {
			return
		}
		if n > 64 {
			// a layout this deep is almost certainly a misconfigured URL
			// pattern, not a legitimately oversigned manifest.
			return
		}
	}
}

func (s *Synchronizer) listTags(ctx context.Context, client *upstreamClient, remote *registry.Remote, name string) ([]string, error) {
	var all []string
	url := strings.TrimSuffix(remote.URL, "/") + "/v2/" + name + "/tags/list"
	for url != "" {
		body, header, _, err := client.getBytes(ctx, url, "")
		if err != nil {
			return nil, err
		}
		var page upstreamTagList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tags...)
		url = nextLink(header.Get("Link"))
	}
	return all, nil
}

// PullThrough performs a synchronous single-image sync of ref against dist's
// bound remote, ensuring a local Repository named name exists and committing
// the freshly fetched image on top of its latest version; earlier tags and
// versions stay in place.
func (s *Synchronizer) PullThrough(ctx context.Context, dist *registry.Distribution, remote *registry.Remote, name, ref string) error {
	repo, err := s.store.EnsureRepository(name, registry.RepositoryTypeSync)
	if err != nil {
		return err
	}

	client := newUpstreamClient(remote.Username, remote.Password, remote.MaxRetries)
	base := s.engine.Latest(repo.ID)

	tag := ref
	if strings.Contains(ref, ":") {
		// a digest reference: fetch the manifest by digest and add it
		// through RecursiveAdd's ManifestRef path, binding no tag.
		d, err := digest.Parse(ref)
		if err != nil {
			return registry.ErrDigestInvalid
		}
		if err := s.fetchManifestByDigest(ctx, client, remote, name, d); err != nil {
			return registry.Wrap(registry.KindUpstream, "pull-through fetch failed", err)
		}
		s.discoverSignatures(ctx, client, remote, name, d)
		nv, err := s.engine.RecursiveAdd(ctx, base, []repoengine.Ref{repoengine.ManifestRef(d)}, nil)
		if err != nil {
			return err
		}
		return s.store.AdvanceLatest(repo.ID, nv.Number)
	}

	d, _, reason, err := s.syncOneTag(ctx, client, remote, name, tag, base)
	if err != nil {
		return registry.Wrap(registry.KindUpstream, "pull-through fetch failed: "+reason, err)
	}
	nv, err := s.engine.RecursiveAdd(ctx, base, []repoengine.Ref{repoengine.TagRef(tag)}, map[string]string{tag: d.String()})
	if err != nil {
		return err
	}
	return s.store.AdvanceLatest(repo.ID, nv.Number)
}

func manifestURL(base, name, ref string) string {
	return strings.TrimSuffix(base, "/") + "/v2/" + name + "/manifests/" + ref
}

func blobURL(base, name, ref string) string {
	return strings.TrimSuffix(base, "/") + "/v2/" + name + "/blobs/" + ref
}

func nextLink(header string) string {
	if header == "" {
		return ""
	}
	// RFC5988: <url>; rel="next"
	i := strings.Index(header, "<")
	j := strings.Index(header, ">")
	if i < 0 || j < 0 || j <= i || !strings.Contains(header, `rel="next"`) {
		return ""
	}
	return header[i+1 : j]
}

// MaterializeBlob returns a stream of blob d for a repository backed by
// remote, fetching from upstream when the bytes are not stored locally.
// on_demand defers bytes until first pull; streamed proxies without ever
// storing.
func (s *Synchronizer) MaterializeBlob(ctx context.Context, remote *registry.Remote, name string, d digest.Digest) (io.ReadCloser, error) {
	if s.graph.HasBlob(d) {
		return s.graph.GetBlob(ctx, d)
	}

	client := newUpstreamClient(remote.Username, remote.Password, remote.MaxRetries)
	body, _, _, err := client.getBytes(ctx, blobURL(remote.URL, name, d.String()), "")
	if err != nil {
		return nil, registry.Wrap(registry.KindUpstream, "fetching blob from upstream", err)
	}
	if digest.FromBytes(body) != d {
		return nil, registry.ErrDigestInvalid
	}

	if remote.Policy == registry.DownloadStreamed {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	if _, err := s.graph.PutBlob(ctx, bytes.NewReader(body), "application/octet-stream"); err != nil {
		return nil, err
	}
	return s.graph.GetBlob(ctx, d)
}

// SubmitSync runs Sync as a background task holding the repository's write
// reservation, recording per-tag outcomes in the task's progress notes as
// they land. The returned Task's Err reports a failed sync; a failure never
// advances the repository's latest version.
func (s *Synchronizer) SubmitSync(ctx context.Context, rt *taskrun.Runtime, repo *registry.Repository, remote *registry.Remote, mode registry.SyncMode) *taskrun.Task {
	resources := []taskrun.ResourceKey{taskrun.RepositoryResource(repo.ID)}
	return rt.Submit(ctx, taskrun.KindSync, resources, func(taskCtx context.Context, p *taskrun.Progress) error {
		result, err := s.Sync(taskCtx, repo, remote, mode)
		if err != nil {
			return err
		}
		for _, outcome := range result.Outcomes {
			note := outcome.Tag + ": " + outcome.Status
			if outcome.Reason != "" {
				note += " (" + outcome.Reason + ")"
			}
			p.Note(note)
		}
		p.Set(len(result.Outcomes), len(result.Outcomes))
		return nil
	})
}
