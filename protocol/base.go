package protocol

import "net/http"

// baseDispatcher serves GET /v2/: the version check and, with token auth
// on, the Bearer challenge.
func baseDispatcher(ctx *Context, r *http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ctx.App.TokenAuthDisabled && ctx.Claims == nil {
			w.Header().Set("WWW-Authenticate", wwwAuthenticateChallenge(ctx.App.RealmURL, ctx.App.ServiceName))
			ctx.AddError(errMissingToken)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	})
}
