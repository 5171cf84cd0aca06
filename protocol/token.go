package protocol

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opencrate/registry"
	"github.com/opencrate/registry/tokenauth"
)

// tokenResponse is the body the Bearer challenge flow expects: token (and
// the OAuth2-compatible access_token alias) plus expiry metadata.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// tokenDispatcher serves GET /token/. Basic credentials
// are optional: an unauthenticated request still yields a well-formed token
// with empty access, which anonymous clients present to pull public
// repositories.
func tokenDispatcher(ctx *Context, r *http.Request) http.Handler {
	if r.Method != http.MethodGet {
		return nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { issueToken(ctx, w, r) })
}

func issueToken(ctx *Context, w http.ResponseWriter, r *http.Request) {
	if ctx.App.Tokens == nil || ctx.App.Tokens.PrivateKey == nil {
		ctx.AddError(registry.NewError(registry.KindNotFound, "token service is not configured", nil))
		return
	}

	q := r.URL.Query()
	req := tokenauth.Request{
		Service: q.Get("service"),
		Scope:   q.Get("scope"),
		Account: q.Get("account"),
	}

	if user, pass, ok := r.BasicAuth(); ok {
		if ctx.App.Credentials == nil || !ctx.App.Credentials.Verify(user, pass) {
			ctx.AddError(registry.ErrUnauthorized)
			return
		}
		req.Authenticated = true
		if req.Account == "" {
			req.Account = user
		}
	}

	signed, err := ctx.App.Tokens.Issue(r.Context(), req)
	if err != nil {
		ctx.AddError(registry.Wrap(registry.KindValidation, "token request rejected", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:       signed,
		AccessToken: signed,
		ExpiresIn:   int(ctx.App.Tokens.TTL / time.Second),
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
	})
}
