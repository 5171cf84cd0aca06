package protocol

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/internal/dcontext"
	"github.com/opencrate/registry/internal/ocierr"
	"github.com/opencrate/registry/internal/requestutil"
	"github.com/opencrate/registry/tokenauth"
)

// Context is the per-request state every handler closes over: a
// Repository scope, an accumulated error list the dispatcher serializes
// exactly once, and the parsed request variables.
type Context struct {
	context.Context

	App *App

	RepositoryName string
	Reference      string // tag name or digest, from {reference}
	UploadUUID     string
	Digest         string

	Claims *tokenauth.Claims // nil if token auth is disabled or request is anonymous

	Errors []error
}

func (c *Context) AddError(err error) { c.Errors = append(c.Errors, err) }

// scopeKey identifies the bearer whose pull scope a cached manifest
// response was rendered for; folding it into the cache key keeps one
// tenant's bytes out of another's responses.
func (c *Context) scopeKey() string {
	if c.Claims != nil {
		return c.Claims.Subject
	}
	if u := usernameFrom(c.Context); u != "" {
		return u
	}
	return "anonymous"
}

// dispatcher adapts a dispatchFunc into an http.Handler: it builds a
// Context from the request, lets the dispatchFunc pick the method-specific
// handler, runs it, then serializes any accumulated Context.Errors exactly
// once through the shared JSON envelope. Every
// response, success or failure, carries the Docker-Distribution-Api-Version
// header.
func (app *App) dispatcher(df dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		ctx := &Context{
			Context:        dcontext.WithRegistryHost(r.Context(), r.Host),
			App:            app,
			RepositoryName: vars["name"],
			Reference:      vars["reference"],
			UploadUUID:     vars["uuid"],
			Digest:         vars["digest"],
		}
		ctx.Context = dcontext.WithLogger(ctx.Context, dcontext.GetLoggerWithField(ctx.Context, "remote_addr", requestutil.RemoteAddr(r)))

		if err := app.authenticate(ctx, r); err != nil {
			ctx.AddError(err)
		} else if handler := df(ctx, r); handler != nil {
			sw := &singleStatusResponseWriter{ResponseWriter: w}
			sw.Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
			handler.ServeHTTP(sw, r)
			if len(ctx.Errors) == 0 {
				return
			}
			if sw.status != 0 {
				// Handler already wrote a response; the queued error cannot
				// be serialized on top of it.
				return
			}
		} else {
			ctx.AddError(registry.ErrUnsupported)
		}

		if len(ctx.Errors) > 0 {
			_ = ocierr.ServeJSON(w, ctx.Errors...)
		}
	})
}

// singleStatusResponseWriter drops any WriteHeader call after the first.
type singleStatusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *singleStatusResponseWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func notFoundDispatcher(ctx *Context, r *http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx.AddError(errRouteNotFound)
	})
}
