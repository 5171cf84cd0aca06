package protocol

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/cache"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/dcontext"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/reference"
	"github.com/opencrate/registry/repoengine"
)

// manifestDispatcher serves GET/HEAD/PUT/DELETE /v2/{name}/manifests/{ref}.
func manifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { getManifest(ctx, w, r) })
	case http.MethodPut:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { putManifest(ctx, w, r) })
	case http.MethodDelete:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { deleteManifest(ctx, w, r) })
	default:
		return nil
	}
}

func getManifest(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "pull"); err != nil {
		ctx.AddError(err)
		return
	}

	if ctx.App.Cache != nil {
		if e, ok := ctx.App.Cache.Get(r.Context(), ctx.scopeKey(), ctx.RepositoryName, ctx.Reference); ok && acceptsMediaType(r.Header.Get("Accept"), e.MediaType) {
			w.Header().Set("Content-Type", e.MediaType)
			w.Header().Set("Docker-Content-Digest", e.Digest)
			w.Header().Set("X-Registry-Supports-Signatures", "1")
			w.Header().Set("Content-Length", strconv.Itoa(len(e.RawBytes)))
			w.WriteHeader(http.StatusOK)
			if r.Method == http.MethodGet {
				_, _ = w.Write(e.RawBytes)
			}
			return
		}
	}

	_, version, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		if onDemandErr := tryPullThrough(ctx, ctx.RepositoryName, ctx.Reference); onDemandErr == nil {
			_, version, err = resolveRepository(ctx.App, ctx.RepositoryName)
		}
	}
	if err != nil {
		ctx.AddError(err)
		return
	}

	d, ok := lookupManifestDigest(ctx.App, version, ctx.Reference)
	if !ok {
		if tryPullThrough(ctx, ctx.RepositoryName, ctx.Reference) == nil {
			_, version, _ = resolveRepository(ctx.App, ctx.RepositoryName)
			d, ok = lookupManifestDigest(ctx.App, version, ctx.Reference)
		}
	}
	if !ok {
		ctx.AddError(registry.ErrManifestUnknown)
		return
	}

	m, err := ctx.App.Graph.GetManifest(d)
	if err != nil {
		ctx.AddError(err)
		return
	}

	if !acceptsMediaType(r.Header.Get("Accept"), m.MediaType) {
		// No schema conversion is performed; a stored newer schema not
		// requested by Accept is a plain 404.
		ctx.AddError(registry.ErrManifestUnknown)
		return
	}

	w.Header().Set("Content-Type", m.MediaType)
	w.Header().Set("Docker-Content-Digest", d.String())
	w.Header().Set("X-Registry-Supports-Signatures", "1")
	w.Header().Set("Content-Length", strconv.Itoa(len(m.RawBytes)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(m.RawBytes)
	}

	if ctx.App.Cache != nil {
		// The response is already on the wire; finish the cache write even
		// if the client hangs up mid-body.
		_ = ctx.App.Cache.Set(dcontext.Detached(r.Context()), ctx.scopeKey(), ctx.RepositoryName, ctx.Reference, &cache.Entry{
			MediaType: m.MediaType,
			Digest:    d.String(),
			RawBytes:  m.RawBytes,
		})
	}
}

// lookupManifestDigest resolves ref (tag name or digest string) against
// version, returning the bound/asserted manifest digest.
func lookupManifestDigest(app *App, version *repoengine.Version, ref string) (digest.Digest, bool) {
	if version == nil {
		return "", false
	}
	if isDigestReference(ref) {
		d, err := digest.Parse(ref)
		if err != nil {
			return "", false
		}
		return d, version.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: d.String()})
	}
	if !reference.TagAnchoredRegexp.MatchString(ref) {
		return "", false
	}
	return version.TagManifest(ref)
}

// acceptsMediaType reports whether the Accept header (possibly empty, a
// wildcard, or a comma list) covers stored.
func acceptsMediaType(accept, stored string) bool {
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if mt == "*/*" || mt == stored {
			return true
		}
		// application/vnd.docker.distribution.manifest.v1+prettyjws is
		// accepted for the v1 signed schema.
		if mt == contentgraph.MediaTypeDockerSchema1JWS && stored == contentgraph.MediaTypeDockerSchema1 {
			return true
		}
	}
	return false
}

func putManifest(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}

	repo, err := ctx.App.Store.EnsureRepository(ctx.RepositoryName, registry.RepositoryTypePush)
	if err != nil {
		ctx.AddError(err)
		return
	}

	mediaType := r.Header.Get("Content-Type")
	raw, err := readAllCapped(r.Body, maxPayloadBytesDefault)
	if err != nil {
		ctx.AddError(registry.ErrSizeInvalid)
		return
	}

	m, err := ctx.App.Graph.PutManifest(r.Context(), raw, mediaType)
	if err != nil {
		ctx.AddError(err)
		return
	}

	refs := []repoengine.Ref{}
	tagNames := map[string]string{}
	if !isDigestReference(ctx.Reference) {
		if !reference.TagAnchoredRegexp.MatchString(ctx.Reference) {
			ctx.AddError(registry.NewError(registry.KindValidation, "invalid tag name", map[string]string{"tag": ctx.Reference}))
			return
		}
		refs = append(refs, repoengine.TagRef(ctx.Reference))
		tagNames[ctx.Reference] = m.Digest.String()
	} else {
		refRequested, err := digest.Parse(ctx.Reference)
		if err != nil {
			ctx.AddError(registry.ErrDigestInvalid)
			return
		}
		if refRequested != m.Digest {
			ctx.AddError(registry.DigestMismatchError(refRequested, m.Digest))
			return
		}
		refs = append(refs, repoengine.ManifestRef(m.Digest))
	}

	task := ctx.App.Runtime.Submit(r.Context(), taskrun.KindCommit,
		[]taskrun.ResourceKey{taskrun.RepositoryResource(repo.ID)},
		func(taskCtx context.Context, p *taskrun.Progress) error {
			return commitManifest(taskCtx, ctx.App, repo, refs, tagNames)
		})
	if err := task.Wait(r.Context()); err != nil {
		ctx.AddError(registry.NewError(registry.KindTransient, "too many requests", nil))
		return
	}
	if task.Err() != nil {
		ctx.AddError(task.Err())
		return
	}

	if ctx.App.Cache != nil {
		_ = ctx.App.Cache.Invalidate(r.Context(), ctx.RepositoryName)
	}

	w.Header().Set("Docker-Content-Digest", m.Digest.String())
	w.Header().Set("Location", "/v2/"+ctx.RepositoryName+"/manifests/"+m.Digest.String())
	w.WriteHeader(http.StatusCreated)
}

func commitManifest(ctx context.Context, app *App, repo *registry.Repository, refs []repoengine.Ref, tagNames map[string]string) error {
	base := app.Engine.Latest(repo.ID)
	nv, err := app.Engine.RecursiveAdd(ctx, base, refs, tagNames)
	if err != nil {
		return err
	}
	return app.Store.AdvanceLatest(repo.ID, nv.Number)
}

func deleteManifest(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "*"); err != nil {
		ctx.AddError(err)
		return
	}
	repo, version, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		ctx.AddError(err)
		return
	}

	var refs []repoengine.Ref
	if isDigestReference(ctx.Reference) {
		d, err := digest.Parse(ctx.Reference)
		if err != nil {
			ctx.AddError(registry.ErrDigestInvalid)
			return
		}
		if !version.Present(registry.ContentKey{Type: registry.ContentTypeManifest, ContentID: d.String()}) {
			ctx.AddError(registry.ErrManifestUnknown)
			return
		}
		refs = []repoengine.Ref{repoengine.ManifestRef(d)}
	} else {
		if _, ok := version.TagManifest(ctx.Reference); !ok {
			ctx.AddError(registry.ErrTagUnknown)
			return
		}
		refs = []repoengine.Ref{repoengine.TagRef(ctx.Reference)}
	}

	task := ctx.App.Runtime.Submit(r.Context(), taskrun.KindCommit,
		[]taskrun.ResourceKey{taskrun.RepositoryResource(repo.ID)},
		func(taskCtx context.Context, p *taskrun.Progress) error {
			nv, err := ctx.App.Engine.RecursiveRemove(taskCtx, version, refs)
			if err != nil {
				return err
			}
			return ctx.App.Store.AdvanceLatest(repo.ID, nv.Number)
		})
	if err := task.Wait(r.Context()); err != nil {
		ctx.AddError(registry.NewError(registry.KindTransient, "too many requests", nil))
		return
	}
	if task.Err() != nil {
		ctx.AddError(task.Err())
		return
	}
	if ctx.App.Cache != nil {
		_ = ctx.App.Cache.Invalidate(r.Context(), ctx.RepositoryName)
	}
	w.WriteHeader(http.StatusAccepted)
}
