// Package syncer implements upstream mirror/additive sync, tag
// filtering, manifest schema negotiation, signature mirroring and
// pull-through on-demand caching, with
// github.com/hashicorp/go-retryablehttp carrying the retry/backoff
// policy.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/opencrate/registry"
)

// upstreamClient wraps a retryablehttp.Client with challenge-aware auth
// negotiation: it caches which scheme (Bearer or
// Basic) an upstream host advertised, for the lifetime of one sync task.
type upstreamClient struct {
	http *retryablehttp.Client

	username, password string

	schemeMu sync.RWMutex
	scheme   map[string]cachedChallenge
}

type cachedChallenge struct {
	bearerRealm   string
	bearerService string
	basic         bool
}

func newUpstreamClient(username, password string, maxRetries int) *upstreamClient {
	hc := retryablehttp.NewClient()
	hc.Logger = nil
	hc.RetryMax = maxRetries
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	// 429 honors no client-suggested delay; 5xx/transient
	// network errors use the client's exponential backoff; 4xx other than
	// 408/429 are fatal for that tag and handled by the caller inspecting
	// the returned status, not by retrying here.
	hc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err != nil {
			return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		}
		if resp == nil {
			return false, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			return true, nil
		}
		if resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}
	// Passing no response keeps DefaultBackoff from reading Retry-After.
	hc.Backoff = func(lo, hi time.Duration, attempt int, _ *http.Response) time.Duration {
		return retryablehttp.DefaultBackoff(lo, hi, attempt, nil)
	}

	return &upstreamClient{
		http:     hc,
		username: username,
		password: password,
		scheme:   make(map[string]cachedChallenge),
	}
}

// do issues req, negotiating auth against host's cached challenge (or
// discovering + caching one on a first 401).
func (c *upstreamClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	c.applyCachedAuth(host, req)

	rreq, err := retryablehttp.FromRequest(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(rreq)
	if err != nil {
		return nil, registry.Wrap(registry.KindUpstream, "upstream request failed", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if ch, ok := parseWWWAuthenticate(resp.Header.Get("WWW-Authenticate")); ok {
			c.cacheChallenge(host, ch)
			resp.Body.Close()
			retry := req.Clone(ctx)
			c.applyCachedAuth(host, retry)
			rreq2, err := retryablehttp.FromRequest(retry)
			if err != nil {
				return nil, err
			}
			return c.http.Do(rreq2)
		}
	}
	return resp, nil
}

func (c *upstreamClient) applyCachedAuth(host string, req *http.Request) {
	c.schemeMu.RLock()
	ch, ok := c.scheme[host]
	c.schemeMu.RUnlock()
	if !ok {
		return
	}
	if ch.basic {
		req.SetBasicAuth(c.username, c.password)
		return
	}
	if ch.bearerRealm != "" {
		tok, err := c.fetchBearerToken(req.Context(), ch, scopeForRequest(req))
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func (c *upstreamClient) cacheChallenge(host string, ch cachedChallenge) {
	c.schemeMu.Lock()
	defer c.schemeMu.Unlock()
	c.scheme[host] = ch
}

// fetchBearerToken requests a token from the upstream's own token server,
// per the standard Distribution Bearer challenge flow (the client-side
// mirror of this module's own tokenauth.Service.Issue).
func (c *upstreamClient) fetchBearerToken(ctx context.Context, ch cachedChallenge, scope string) (string, error) {
	u, err := url.Parse(ch.bearerRealm)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("service", ch.bearerService)
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("syncer: token request failed: %s", resp.Status)
	}
	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Token != "" {
		return body.Token, nil
	}
	return body.AccessToken, nil
}

func scopeForRequest(req *http.Request) string {
	// best-effort: repository scope derived from the path
	// /v2/{name}/... -> repository:{name}:pull
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/v2/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	name := parts[0]
	if len(parts) == 2 {
		if i := strings.Index(parts[1], "/manifests/"); i >= 0 {
			name = parts[0] + "/" + parts[1][:i]
		} else if i := strings.Index(parts[1], "/blobs/"); i >= 0 {
			name = parts[0] + "/" + parts[1][:i]
		} else if i := strings.Index(parts[1], "/tags/"); i >= 0 {
			name = parts[0] + "/" + parts[1][:i]
		}
	}
	return "repository:" + name + ":pull"
}

func parseWWWAuthenticate(header string) (cachedChallenge, bool) {
	if header == "" {
		return cachedChallenge{}, false
	}
	if strings.HasPrefix(header, "Basic") {
		return cachedChallenge{basic: true}, true
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return cachedChallenge{}, false
	}
	ch := cachedChallenge{}
	for _, kv := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		kv = strings.TrimSpace(kv)
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		key := kv[:i]
		val := strings.Trim(kv[i+1:], `"`)
		switch key {
		case "realm":
			ch.bearerRealm = val
		case "service":
			ch.bearerService = val
		}
	}
	return ch, ch.bearerRealm != ""
}

// getBytes issues a GET against url and returns the body (or a non-nil
// error for non-2xx statuses, carrying the status code so callers can
// distinguish a fatal 4xx from a retryable 5xx).
func (c *upstreamClient) getBytes(ctx context.Context, url string, accept string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, resp.Header, resp.StatusCode, fmt.Errorf("syncer: GET %s: %s", url, resp.Status)
	}
	return body, resp.Header, resp.StatusCode, nil
}
