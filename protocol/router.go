// Package protocol implements the Distribution v2 wire protocol HTTP
// surface, dispatched through a gorilla/mux router built from a
// route-name table so dispatch and metrics labels share one source of
// route truth.
package protocol

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opencrate/registry/metrics"
	"github.com/opencrate/registry/reference"
)

// Route names, one per endpoint, used for dispatch and metrics labels.
const (
	RouteNameBase            = "base"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameCatalog         = "catalog"
	RouteNameSignature       = "signature"
	RouteNameToken           = "token"
	RouteNameFlatpakStatic   = "flatpak-index-static"
	RouteNameFlatpakDynamic  = "flatpak-index-dynamic"
)

// NewRouter builds the gorilla/mux router serving the full endpoint
// surface, dispatching each route to app's dispatch wrapper.
func NewRouter(app *App) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)

	route := func(name string, h http.Handler) http.Handler { return metrics.InstrumentRoute(name, h) }

	name := reference.RepositoryNameRegexp.String()
	dig := reference.DigestRegexp.String()

	router.Path("/v2/").Name(RouteNameBase).Handler(route(RouteNameBase, app.dispatcher(baseDispatcher)))
	router.Path("/v2/_catalog").Name(RouteNameCatalog).Handler(route(RouteNameCatalog, app.dispatcher(catalogDispatcher)))
	router.Path("/v2/{name:" + name + "}/tags/list").Name(RouteNameTags).Handler(route(RouteNameTags, app.dispatcher(tagsDispatcher)))
	router.Path("/v2/{name:" + name + "}/manifests/{reference}").Name(RouteNameManifest).Handler(route(RouteNameManifest, app.dispatcher(manifestDispatcher)))
	// The upload routes must be registered before the blob route: gorilla/mux
	// dispatches to the first Path that matches, and an unconstrained
	// {digest} segment would otherwise swallow "uploads/" and "uploads/{uuid}".
	router.Path("/v2/{name:" + name + "}/blobs/uploads/").Name(RouteNameBlobUpload).Handler(route(RouteNameBlobUpload, app.dispatcher(blobUploadDispatcher)))
	router.Path("/v2/{name:" + name + "}/blobs/uploads/{uuid}").Name(RouteNameBlobUploadChunk).Handler(route(RouteNameBlobUploadChunk, app.dispatcher(blobUploadChunkDispatcher)))
	router.Path("/v2/{name:" + name + "}/blobs/{digest:" + dig + "}").Name(RouteNameBlob).Handler(route(RouteNameBlob, app.dispatcher(blobDispatcher)))
	router.Path("/extensions/v2/{name:" + name + "}/signatures/{digest:" + dig + "}").Name(RouteNameSignature).Handler(route(RouteNameSignature, app.dispatcher(signatureDispatcher)))
	router.Path("/token/").Name(RouteNameToken).Handler(route(RouteNameToken, app.dispatcher(tokenDispatcher)))

	if app.FlatpakIndexEnabled {
		router.Path("/index/static").Name(RouteNameFlatpakStatic).Handler(route(RouteNameFlatpakStatic, app.dispatcher(flatpakIndexDispatcher)))
		router.Path("/index/dynamic").Name(RouteNameFlatpakDynamic).Handler(route(RouteNameFlatpakDynamic, app.dispatcher(flatpakIndexDispatcher)))
	}

	router.NotFoundHandler = app.dispatcher(notFoundDispatcher)
	return router
}

// dispatchFunc builds an http.Handler for one request, given its
// per-request Context.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler
