package protocol

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	digest "github.com/opencontainers/go-digest"
	"github.com/google/uuid"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/repoengine"
)

// blobUploadDispatcher serves POST /v2/{name}/blobs/uploads/: opens a
// fresh Upload, or performs a cross-repository mount when ?mount= and
// ?from= are both present.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	if r.Method != http.MethodPost {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { startBlobUpload(ctx, w, r) })
}

// blobUploadChunkDispatcher serves PATCH/PUT /v2/{name}/blobs/uploads/{uuid}.
func blobUploadChunkDispatcher(ctx *Context, r *http.Request) http.Handler {
	switch r.Method {
	case http.MethodPatch:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { patchBlobUpload(ctx, w, r) })
	case http.MethodPut:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { putBlobUpload(ctx, w, r) })
	case http.MethodGet:
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { statusBlobUpload(ctx, w, r) })
	default:
		return nil
	}
}

func uploadLocation(name, uuid string) string {
	return "/v2/" + name + "/blobs/uploads/" + uuid
}

func startBlobUpload(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}
	if _, err := ctx.App.Store.EnsureRepository(ctx.RepositoryName, registry.RepositoryTypePush); err != nil {
		ctx.AddError(err)
		return
	}

	q := r.URL.Query()
	if mountRaw := q.Get("mount"); mountRaw != "" {
		if from := q.Get("from"); from != "" {
			if handled := tryMount(ctx, w, r, from, mountRaw); handled {
				return
			}
			// An unauthorized or missing source falls through to
			// opening a normal upload.
		}
	}

	id := uuid.NewString()
	if _, err := ctx.App.Graph.NewBlobUpload(r.Context(), id); err != nil {
		ctx.AddError(registry.Wrap(registry.KindValidation, "failed to open upload", err))
		return
	}

	w.Header().Set("Location", uploadLocation(ctx.RepositoryName, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

// tryMount attempts a cross-repository blob mount: if
// the source repository is readable by the bearer and the digest exists
// there, the destination gains a reference without uploading bytes. Returns
// true if it fully handled the request (success or an unrecoverable
// mount-specific error), false to fall through to a normal upload open.
func tryMount(ctx *Context, w http.ResponseWriter, r *http.Request, from, mountRaw string) bool {
	d, err := digest.Parse(mountRaw)
	if err != nil {
		return false
	}
	if err := ctx.App.requireAction(ctx, "repository", from, "pull"); err != nil {
		return false
	}
	_, srcVersion, err := resolveRepository(ctx.App, from)
	if err != nil {
		return false
	}
	if !srcVersion.Present(registry.ContentKey{Type: registry.ContentTypeBlob, ContentID: d.String()}) {
		return false
	}

	repo, _, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		ctx.AddError(err)
		return true
	}
	base := ctx.App.Engine.Latest(repo.ID)
	nv, err := ctx.App.Engine.RecursiveAdd(r.Context(), base, []repoengine.Ref{repoengine.BlobRef(d)}, nil)
	if err != nil {
		ctx.AddError(err)
		return true
	}
	if err := ctx.App.Store.AdvanceLatest(repo.ID, nv.Number); err != nil {
		ctx.AddError(err)
		return true
	}

	w.Header().Set("Location", "/v2/"+ctx.RepositoryName+"/blobs/"+d.String())
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusCreated)
	return true
}

// parseContentRange parses a "start-end" Content-Range value, inclusive
// on both ends.
func parseContentRange(raw string) (start, end int64, ok bool) {
	var s, e int64
	if n, err := fmt.Sscanf(raw, "%d-%d", &s, &e); n != 2 || err != nil {
		return 0, 0, false
	}
	return s, e, true
}

func patchBlobUpload(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}

	upload, err := ctx.App.Graph.ResumeBlobUpload(r.Context(), ctx.UploadUUID)
	if err != nil {
		ctx.AddError(registry.NewError(registry.KindNotFound, "upload unknown", map[string]string{"uuid": ctx.UploadUUID}))
		return
	}

	var wantChunk int64 = -1
	if rangeHeader := r.Header.Get("Content-Range"); rangeHeader != "" {
		start, end, ok := parseContentRange(rangeHeader)
		if !ok || start != upload.Size() || end < start {
			ctx.AddError(registry.NewError(registry.KindRange, "non-contiguous upload chunk", map[string]string{
				"uuid": ctx.UploadUUID, "expected_start": strconv.FormatInt(upload.Size(), 10),
			}))
			return
		}
		wantChunk = end - start + 1
	}

	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 || (wantChunk >= 0 && n != wantChunk) {
			ctx.AddError(registry.ErrSizeInvalid)
			return
		}
	}

	written, err := copyUploadBody(upload, r.Body)
	if cerr := upload.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		ctx.AddError(registry.Wrap(registry.KindValidation, "upload write failed", err))
		return
	}
	if wantChunk >= 0 && written != wantChunk {
		ctx.AddError(registry.NewError(registry.KindRange, "chunk length did not match Content-Range", map[string]string{
			"uuid": ctx.UploadUUID,
		}))
		return
	}

	w.Header().Set("Location", uploadLocation(ctx.RepositoryName, ctx.UploadUUID))
	w.Header().Set("Docker-Upload-UUID", ctx.UploadUUID)
	w.Header().Set("Range", uploadRange(upload.Size()))
	w.WriteHeader(http.StatusAccepted)
}

// uploadRange renders the inclusive 0-<last_byte> Range value for an upload
// that has size bytes so far.
func uploadRange(size int64) string {
	if size <= 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", size-1)
}

func copyUploadBody(upload *contentgraph.BlobUpload, body io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := upload.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func putBlobUpload(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}

	digestRaw := r.URL.Query().Get("digest")
	if digestRaw == "" {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}
	expected, err := digest.Parse(digestRaw)
	if err != nil {
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}

	upload, err := ctx.App.Graph.ResumeBlobUpload(r.Context(), ctx.UploadUUID)
	if err != nil {
		ctx.AddError(registry.NewError(registry.KindNotFound, "upload unknown", map[string]string{"uuid": ctx.UploadUUID}))
		return
	}

	// Monolithic PUT: a body with no prior PATCH is treated as the single
	// chunk.
	if _, err := copyUploadBody(upload, r.Body); err != nil {
		ctx.AddError(registry.Wrap(registry.KindValidation, "upload write failed", err))
		return
	}

	d, err := upload.Commit(r.Context(), expected, contentgraph.MediaTypeOctetStream)
	if err != nil {
		_ = upload.Cancel()
		ctx.AddError(registry.ErrDigestInvalid)
		return
	}

	repo, err := ctx.App.Store.EnsureRepository(ctx.RepositoryName, registry.RepositoryTypePush)
	if err != nil {
		ctx.AddError(err)
		return
	}

	// Finalization commits the blob into a new RepositoryVersion under the
	// repository's write reservation; a wait bounded by the request's own
	// context surfaces as 429.
	task := ctx.App.Runtime.Submit(r.Context(), taskrun.KindCommit,
		[]taskrun.ResourceKey{taskrun.RepositoryResource(repo.ID)},
		func(taskCtx context.Context, p *taskrun.Progress) error {
			base := ctx.App.Engine.Latest(repo.ID)
			nv, err := ctx.App.Engine.RecursiveAdd(taskCtx, base, []repoengine.Ref{repoengine.BlobRef(d)}, nil)
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

	w.Header().Set("Location", "/v2/"+ctx.RepositoryName+"/blobs/"+d.String())
	w.Header().Set("Docker-Content-Digest", d.String())
	w.WriteHeader(http.StatusCreated)
}

func statusBlobUpload(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "push"); err != nil {
		ctx.AddError(err)
		return
	}
	upload, err := ctx.App.Graph.ResumeBlobUpload(r.Context(), ctx.UploadUUID)
	if err != nil {
		ctx.AddError(registry.NewError(registry.KindNotFound, "upload unknown", map[string]string{"uuid": ctx.UploadUUID}))
		return
	}
	w.Header().Set("Docker-Upload-UUID", ctx.UploadUUID)
	w.Header().Set("Range", uploadRange(upload.Size()))
	w.WriteHeader(http.StatusNoContent)
}
