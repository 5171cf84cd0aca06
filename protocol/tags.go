package protocol

import (
	"encoding/json"
	"net/http"
)

// tagsDispatcher serves GET /v2/{name}/tags/list, paginated.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	if r.Method != http.MethodGet {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { listTags(ctx, w, r) })
}

type tagsListResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func listTags(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if err := ctx.App.requireAction(ctx, "repository", ctx.RepositoryName, "pull"); err != nil {
		ctx.AddError(err)
		return
	}

	_, version, err := resolveRepository(ctx.App, ctx.RepositoryName)
	if err != nil {
		ctx.AddError(err)
		return
	}

	n, last := paginationParams(r)
	names := version.TagNames()
	page, link := paginate(names, n, last, r.URL.Path)
	if link != "" {
		w.Header().Set("Link", link)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tagsListResponse{Name: ctx.RepositoryName, Tags: page})
}
