package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/objectstore"
	"github.com/opencrate/registry/internal/objectstore/filesystem"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/repoengine"
	"github.com/opencrate/registry/signing"
	"github.com/opencrate/registry/syncer"
	"github.com/opencrate/registry/tokenauth"
)

// newTestApp builds an App over a filesystem ContentGraph rooted at a
// temporary directory, with the Basic-auth fallback the rest of this file
// authenticates through instead of standing up a token-signing key pair.
func newTestApp(t *testing.T) *App {
	t.Helper()
	store := objectstore.New(filesystem.New(t.TempDir()))
	graph := contentgraph.New(store)
	engine := repoengine.New(graph)
	regStore := repoengine.NewStore()
	runtime := taskrun.New(4, 2)

	credentials := tokenauth.NewCredentialStore()
	if err := credentials.SetPassword("alice", "wonderland"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}

	return &App{
		Graph:             graph,
		Engine:            engine,
		Store:             regStore,
		Runtime:           runtime,
		Signing:           signing.New(graph, runtime, nil),
		Sync:              syncer.New(graph, engine, regStore),
		TokenAuthDisabled: true,
		Credentials:       credentials,
	}
}

// newUpstreamApp builds an App left in ordinary bearer-auth mode with no
// token service configured, so every namespace is publicly readable to
// anonymous clients. It stands in for
// the upstream registry a pull-through Distribution fetches from.
func newUpstreamApp(t *testing.T) *App {
	t.Helper()
	store := objectstore.New(filesystem.New(t.TempDir()))
	graph := contentgraph.New(store)
	engine := repoengine.New(graph)
	regStore := repoengine.NewStore()
	runtime := taskrun.New(4, 2)

	return &App{
		Graph:   graph,
		Engine:  engine,
		Store:   regStore,
		Runtime: runtime,
		Signing: signing.New(graph, runtime, nil),
		Sync:    syncer.New(graph, engine, regStore),
		Tokens:  &tokenauth.Service{Permissions: tokenauth.NewInMemoryPermissions()},
	}
}

func newTestServer(app *App) *httptest.Server {
	return httptest.NewServer(NewHandler(app, io.Discard))
}

func doRequest(t *testing.T, client *http.Client, method, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("building %s %s: %v", method, url, err)
	}
	req.SetBasicAuth("alice", "wonderland")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

// pushBlob drives the full upload state machine (open, chunked PATCH,
// digest-verified PUT commit) through the router, returning the blob's
// digest. It proves the upload routes are actually reachable, the defect
// the unconstrained blob route previously hid.
func pushBlob(t *testing.T, client *http.Client, base, repo string, content []byte) digest.Digest {
	t.Helper()
	d := digest.FromBytes(content)

	resp := doRequest(t, client, http.MethodPost, base+"/v2/"+repo+"/blobs/uploads/", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("open upload: expected 202, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		t.Fatalf("open upload: missing Location header")
	}

	half := len(content) / 2
	if half == 0 {
		half = len(content)
	}
	resp = doRequest(t, client, http.MethodPatch, base+location, content[:half], map[string]string{
		"Content-Range": fmt.Sprintf("0-%d", half-1),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("patch upload (first chunk): expected 202, got %d", resp.StatusCode)
	}
	location = resp.Header.Get("Location")

	if half < len(content) {
		resp = doRequest(t, client, http.MethodPatch, base+location, content[half:], map[string]string{
			"Content-Range": fmt.Sprintf("%d-%d", half, len(content)-1),
		})
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("patch upload (second chunk): expected 202, got %d", resp.StatusCode)
		}
		location = resp.Header.Get("Location")
	}

	resp = doRequest(t, client, http.MethodPut, base+location+"?digest="+d.String(), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("commit upload: expected 201, got %d: %s", resp.StatusCode, b)
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != d.String() {
		t.Fatalf("commit upload: expected digest %s, got %s", d, got)
	}
	return d
}

func ociManifest(configDigest digest.Digest, configSize int64, layerDigest digest.Digest, layerSize int64) []byte {
	return []byte(fmt.Sprintf(`{
		"schemaVersion": 2,
		"mediaType": "application/vnd.oci.image.manifest.v1+json",
		"config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": %q, "size": %d},
		"layers": [{"mediaType": "application/vnd.oci.image.layer.v1.tar", "digest": %q, "size": %d}]
	}`, configDigest.String(), configSize, layerDigest.String(), layerSize))
}

// TestPushPullRoundtrip exercises scenario 1: a blob upload through the
// chunked state machine, a manifest push referencing it, then pulling both
// back out and checking the bytes round-trip. This would fail against the
// unconstrained blob route, since every upload request was swallowed by
// blobDispatcher before reaching blobUploadDispatcher.
func TestPushPullRoundtrip(t *testing.T) {
	app := newTestApp(t)
	server := newTestServer(app)
	defer server.Close()
	client := server.Client()

	const repo = "library/roundtrip"
	configBytes := []byte(`{"architecture":"amd64"}`)
	layerBytes := []byte("layer-contents-for-roundtrip-test")

	configDigest := pushBlob(t, client, server.URL, repo, configBytes)
	layerDigest := pushBlob(t, client, server.URL, repo, layerBytes)

	manifest := ociManifest(configDigest, int64(len(configBytes)), layerDigest, int64(len(layerBytes)))
	manifestDigest := digest.FromBytes(manifest)

	resp := doRequest(t, client, http.MethodPut, server.URL+"/v2/"+repo+"/manifests/latest", manifest, map[string]string{
		"Content-Type": "application/vnd.oci.image.manifest.v1+json",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("push manifest: expected 201, got %d: %s", resp.StatusCode, b)
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != manifestDigest.String() {
		t.Fatalf("push manifest: expected digest %s, got %s", manifestDigest, got)
	}

	resp = doRequest(t, client, http.MethodGet, server.URL+"/v2/"+repo+"/manifests/latest", nil, map[string]string{
		"Accept": "application/vnd.oci.image.manifest.v1+json",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull manifest by tag: expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, manifest) {
		t.Fatalf("pull manifest by tag: body mismatch, got %q want %q", got, manifest)
	}

	resp = doRequest(t, client, http.MethodGet, server.URL+"/v2/"+repo+"/blobs/"+layerDigest.String(), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull blob: expected 200, got %d", resp.StatusCode)
	}
	got, _ = io.ReadAll(resp.Body)
	if !bytes.Equal(got, layerBytes) {
		t.Fatalf("pull blob: body mismatch, got %q want %q", got, layerBytes)
	}
}

// TestCrossRepositoryBlobMount exercises scenario 2: a blob already present
// in one repository is mounted into another via ?mount=&from=, without
// uploading the bytes a second time.
func TestCrossRepositoryBlobMount(t *testing.T) {
	app := newTestApp(t)
	server := newTestServer(app)
	defer server.Close()
	client := server.Client()

	const source = "library/source"
	const dest = "library/dest"
	content := []byte("shared-layer-bytes")
	d := pushBlob(t, client, server.URL, source, content)

	mountURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/?mount=%s&from=%s", server.URL, dest, d.String(), source)
	resp := doRequest(t, client, http.MethodPost, mountURL, nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("mount: expected 201, got %d: %s", resp.StatusCode, b)
	}
	wantLocation := "/v2/" + dest + "/blobs/" + d.String()
	if got := resp.Header.Get("Location"); got != wantLocation {
		t.Fatalf("mount: expected Location %s, got %s", wantLocation, got)
	}

	resp = doRequest(t, client, http.MethodGet, server.URL+"/v2/"+dest+"/blobs/"+d.String(), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull mounted blob: expected 200, got %d", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, content) {
		t.Fatalf("pull mounted blob: body mismatch, got %q want %q", got, content)
	}
}

// TestDiscontiguousUploadChunkRejected exercises scenario 4: a PATCH chunk
// whose Content-Range doesn't start where the prior chunk left off must be
// rejected with RANGE_INVALID (416), not silently accepted out of order.
func TestDiscontiguousUploadChunkRejected(t *testing.T) {
	app := newTestApp(t)
	server := newTestServer(app)
	defer server.Close()
	client := server.Client()

	const repo = "library/discontiguous"
	resp := doRequest(t, client, http.MethodPost, server.URL+"/v2/"+repo+"/blobs/uploads/", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("open upload: expected 202, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")

	first := []byte("first-five")
	resp = doRequest(t, client, http.MethodPatch, server.URL+location, first, map[string]string{
		"Content-Range": fmt.Sprintf("0-%d", len(first)-1),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("patch first chunk: expected 202, got %d", resp.StatusCode)
	}
	location = resp.Header.Get("Location")

	resp = doRequest(t, client, http.MethodPatch, server.URL+location, []byte("gap"), map[string]string{
		"Content-Range": fmt.Sprintf("%d-%d", len(first)+10, len(first)+12),
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("patch discontiguous chunk: expected 416, got %d: %s", resp.StatusCode, b)
	}

	var env struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	if len(env.Errors) != 1 || env.Errors[0].Code != "RANGE_INVALID" {
		t.Fatalf("expected a single RANGE_INVALID error, got %+v", env.Errors)
	}
}

// TestUploadRouteNotShadowedByBlobRoute locks in the router fix directly:
// every upload verb must dispatch to the upload handlers, never fall
// through to blobDispatcher (which returns nil for POST/PATCH, so the
// request would be answered 405 UNSUPPORTED with no Location header).
func TestUploadRouteNotShadowedByBlobRoute(t *testing.T) {
	app := newTestApp(t)
	server := newTestServer(app)
	defer server.Close()
	client := server.Client()

	resp := doRequest(t, client, http.MethodPost, server.URL+"/v2/library/shadow-check/blobs/uploads/", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected POST .../blobs/uploads/ to reach blobUploadDispatcher (202), got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatalf("expected a Location header from the upload open, got none")
	}
}

// TestPullThroughCaching exercises scenario 6: a manifest and blob never
// pushed locally are fetched synchronously from a bound Remote on first
// pull, and become resolvable locally afterward.
func TestPullThroughCaching(t *testing.T) {
	upstream := newUpstreamApp(t)
	upstreamServer := newTestServer(upstream)
	defer upstreamServer.Close()

	const repoName = "library/upstream-image"
	configBytes := []byte(`{"architecture":"arm64"}`)
	layerBytes := []byte("upstream-layer-bytes")

	ctx := context.Background()

	configDigest, err := upstream.Graph.PutBlob(ctx, bytes.NewReader(configBytes), contentgraph.MediaTypeOctetStream)
	if err != nil {
		t.Fatalf("seeding upstream config blob: %v", err)
	}
	layerDigest, err := upstream.Graph.PutBlob(ctx, bytes.NewReader(layerBytes), contentgraph.MediaTypeOctetStream)
	if err != nil {
		t.Fatalf("seeding upstream layer blob: %v", err)
	}
	manifest := ociManifest(configDigest, int64(len(configBytes)), layerDigest, int64(len(layerBytes)))
	m, err := upstream.Graph.PutManifest(ctx, manifest, "application/vnd.oci.image.manifest.v1+json")
	if err != nil {
		t.Fatalf("seeding upstream manifest: %v", err)
	}
	if _, err := upstream.Store.EnsureRepository(repoName, registry.RepositoryTypePush); err != nil {
		t.Fatalf("seeding upstream repository: %v", err)
	}
	nv, err := upstream.Engine.RecursiveAdd(ctx, upstream.Engine.Latest(repoName),
		[]repoengine.Ref{repoengine.TagRef("latest")}, map[string]string{"latest": m.Digest.String()})
	if err != nil {
		t.Fatalf("committing upstream version: %v", err)
	}
	if err := upstream.Store.AdvanceLatest(repoName, nv.Number); err != nil {
		t.Fatalf("advancing upstream latest: %v", err)
	}

	downstream := newTestApp(t)
	if err := downstream.Store.PutDistribution(&registry.Distribution{
		BasePath:     repoName,
		RepositoryID: repoName,
		RemoteName:   "origin",
	}); err != nil {
		t.Fatalf("binding pull-through distribution: %v", err)
	}
	downstream.Store.PutRemote(&registry.Remote{
		Name:   "origin",
		URL:    upstreamServer.URL,
		Policy: registry.DownloadImmediate,
	})

	downstreamServer := newTestServer(downstream)
	defer downstreamServer.Close()
	client := downstreamServer.Client()

	resp := doRequest(t, client, http.MethodGet, downstreamServer.URL+"/v2/"+repoName+"/manifests/latest", nil, map[string]string{
		"Accept": "application/vnd.oci.image.manifest.v1+json",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("pull-through manifest fetch: expected 200, got %d: %s", resp.StatusCode, b)
	}
	got, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(got, manifest) {
		t.Fatalf("pull-through manifest: body mismatch, got %q want %q", got, manifest)
	}

	resp = doRequest(t, client, http.MethodGet, downstreamServer.URL+"/v2/"+repoName+"/blobs/"+layerDigest.String(), nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pull-through blob fetch: expected 200, got %d", resp.StatusCode)
	}
	got, _ = io.ReadAll(resp.Body)
	if !bytes.Equal(got, layerBytes) {
		t.Fatalf("pull-through blob: body mismatch, got %q want %q", got, layerBytes)
	}

	if !downstream.Graph.HasBlob(layerDigest) {
		t.Fatalf("expected pull-through to have materialized the layer blob locally")
	}
}
