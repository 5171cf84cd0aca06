package protocol

import (
	"io"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/opencrate/registry/cache"
	"github.com/opencrate/registry/contentgraph"
	"github.com/opencrate/registry/internal/taskrun"
	"github.com/opencrate/registry/repoengine"
	"github.com/opencrate/registry/signing"
	"github.com/opencrate/registry/syncer"
	"github.com/opencrate/registry/tokenauth"
)

// App is the shared, request-spanning state every handler closes over.
// All writable fields below it (Graph/Store/Runtime) are themselves
// internally synchronized.
type App struct {
	InstanceID string

	Graph   *contentgraph.Graph
	Engine  *repoengine.Engine
	Store   *repoengine.Store
	Tokens  *tokenauth.Service
	Runtime *taskrun.Runtime
	Signing *signing.Adapter
	Sync    *syncer.Synchronizer

	// Cache is the shared manifest-response cache. Nil disables caching
	// entirely.
	Cache cache.ManifestCache

	// TokenAuthDisabled turns off the bearer flow, falling back to Basic
	// auth.
	TokenAuthDisabled bool
	// Credentials backs the Basic-auth fallback verified when
	// TokenAuthDisabled is set. Nil rejects every Basic attempt.
	Credentials *tokenauth.CredentialStore

	// FlatpakIndexEnabled mounts /index/static and /index/dynamic
	// (flatpak_index_enabled); both always report the index as
	// unimplemented rather than being entirely absent from the router.
	FlatpakIndexEnabled bool
	// RealmURL/ServiceName feed the WWW-Authenticate challenge on base GET.
	RealmURL    string
	ServiceName string

	Router *mux.Router
}

// NewHandler builds the top-level http.Handler for app: the mux router
// wrapped in gorilla/handlers combined logging.
func NewHandler(app *App, accessLog io.Writer) http.Handler {
	if accessLog == nil {
		accessLog = os.Stdout
	}
	app.Router = NewRouter(app)
	return handlers.CombinedLoggingHandler(accessLog, app.Router)
}
