package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/opencrate/registry"
)

// catalogDispatcher serves GET /v2/_catalog. Token auth on: a request
// without a bearer token gets 401 UNAUTHORIZED, a token without the
// registry:catalog:* scope gets 403 DENIED, and only names the token also
// carries pull for are listed (Catalog scope enforcement).
func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	if r.Method != http.MethodGet {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ctx.App.TokenAuthDisabled {
			if ctx.Claims == nil {
				ctx.AddError(registry.ErrUnauthorized)
				return
			}
			if !ctx.Claims.Allows("registry", "catalog", "*") {
				ctx.AddError(errInsufficientScope)
				return
			}
		}

		all := ctx.App.Store.ListRepositories()
		visible := make([]string, 0, len(all))
		for _, name := range all {
			if ctx.App.TokenAuthDisabled {
				visible = append(visible, name)
				continue
			}
			if ctx.Claims.Allows("repository", name, "pull") {
				visible = append(visible, name)
			}
		}

		n, last := paginationParams(r)
		page, link := paginate(visible, n, last, r.URL.Path)
		if link != "" {
			w.Header().Set("Link", link)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Repositories []string `json:"repositories"`
		}{Repositories: page})
	})
}
