package protocol

import (
	"net/http"

	"github.com/opencrate/registry"
)

// errFlatpakIndexUnimplemented reports that the Flatpak-index route exists
// but the index generation logic is an external collaborator, not
// implemented by this module.
var errFlatpakIndexUnimplemented = registry.NewError(registry.KindNotFound, "flatpak index generation is not implemented by this registry", nil)

// flatpakIndexDispatcher serves GET /index/static and /index/dynamic when
// flatpak_index_enabled is set. It always 404s meaningfully rather than
// being entirely absent, since the front-end itself is out of scope.
func flatpakIndexDispatcher(ctx *Context, r *http.Request) http.Handler {
	if r.Method != http.MethodGet {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx.AddError(errFlatpakIndexUnimplemented)
	})
}
