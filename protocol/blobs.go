package protocol

import (
	"io"
	"net/http"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/repoengine"
)

// blobDispatcher serves GET/HEAD/DELETE /v2/{name}/blobs/{digest}. Blob
// content is served either by streaming through ContentGraph or, when the
// backing driver supports it, a redirect to a presigned URL.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { getBlob(ctx, w, r) })
	case http.MethodDelete:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { deleteBlob(ctx, w, r) })
	default:
		return nil
	}
}

func getBlob(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "pull"); err != nil {
		ctx.AddError(err)
		return
	}

	d, err := digest.Parse(ctx.Digest)
	if err != nil {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}

	_, version, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		ctx.AddError(err)
		return
	}
	if !version.Present(registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: d.String()}) {
		// A pull-through Distribution only learns new blob references by
		// syncing the manifest that names them; a blob GET ahead of that
		// manifest pull has nothing to trigger, so this is a plain miss.
		ctx.AddError(registry.ErrBlobUnknown)
		return
	}

	if !ctx.App.Graph.HasBlob(d) {
		// Referenced but not materialized: an on_demand or streamed
		// Remote's deferred bytes, fetched on first pull.
		serveDeferredBlob(ctx, w, r, d)
		return
	}

	if url, err := ctx.App.Graph.BlobPresignedURL(r.Context(), d); err == nil && url != "" {
		w.Header().Set("Location", url)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}

	rc, err := ctx.App.Graph.GetBlob(r.Context(), d)
	if err != nil {
		ctx.AddError(err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.Copy(w, rc)
	}
}

// serveDeferredBlob streams a blob whose bytes were deferred by an
// on_demand or streamed download policy, via the Synchronizer.
func serveDeferredBlob(ctx *Context, w http.ResponseWriter, r *http.Request, d digest.Digest) {
	dist, ok := ctx.App.Store.GetDistribution(ctx.RepositoryName)
	if !ok || dist.RemoteName == "" || ctx.App.Sync == nil {
		ctx.AddError(registry.ErrBlobUnknown)
		return
	}
	remote, ok := ctx.App.Store.GetRemote(dist.RemoteName)
	if !ok {
		ctx.AddError(registry.ErrBlobUnknown)
		return
	}
	rc, err := ctx.App.Sync.MaterializeBlob(r.Context(), remote, ctx.RepositoryName, d)
	if err != nil {
		ctx.AddError(err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = io.Copy(w, rc)
	}
}

func deleteBlob(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "*"); err != nil {
		ctx.AddError(err)
		return
	}
	d, err := digest.Parse(ctx.Digest)
	if err != nil {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}
	// Blobs are shared content: a direct
	// DELETE here only unlinks the blob from this repository's next
	// version; the bytes themselves are reclaimed later by the orphan pass
	// once no version anywhere still references them.
	repo, version, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		ctx.AddError(err)
		return
	}
	nv, err := ctx.App.Engine.RecursiveRemove(r.Context(), version, []repoengine.Ref{repoengine.BlobRef(d)})
	if err != nil {
		ctx.AddError(err)
		return
	}
	if err := ctx.App.Store.AdvanceLatest(repo.ID, nv.Number); err != nil {
		ctx.AddError(err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
