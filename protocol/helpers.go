package protocol

import (
	"io"

	"github.com/opencrate/registry"
)

// maxPayloadBytesDefault mirrors contentgraph's own default; App callers
// that configure a different oci_payload_max_bytes pass it through a
// Graph constructed with contentgraph.WithMaxPayloadBytes, so this cap
// only bounds buffering in readAllCapped, the one place request bodies
// are fully read into memory (JSON payloads only).
const maxPayloadBytesDefault = 4 << 20

// readAllCapped buffers r into memory up to limit+1 bytes, erroring if
// the body exceeds limit.
func readAllCapped(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	buf, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, registry.ErrSizeInvalid
	}
	return buf, nil
}

// tryPullThrough triggers a synchronous single-image sync when name's
// Distribution is bound to a pull-through Remote and ref is not yet
// present locally. Returns a non-nil error if
// no pull-through Distribution is configured, the reference doesn't
// resolve upstream, or the caller wasn't authenticated and no cached
// content exists yet (anonymous clients may not cause a new fetch).
func tryPullThrough(ctx *Context, name, ref string) error {
	dist, ok := ctx.App.Store.GetDistribution(name)
	if !ok || dist.RemoteName == "" {
		return registry.NewError(registry.KindNotFound, "no pull-through remote configured", nil)
	}
	if usernameFrom(ctx.Context) == "" && ctx.Claims == nil {
		return registry.ErrUnauthorized
	}
	if ctx.App.Sync == nil {
		return registry.NewError(registry.KindUpstream, "synchronizer not configured", nil)
	}
	remote, ok := ctx.App.Store.GetRemote(dist.RemoteName)
	if !ok {
		return registry.NewError(registry.KindNotFound, "remote not found", map[string]string{"remote": dist.RemoteName})
	}
	return ctx.App.Sync.PullThrough(ctx.Context, dist, remote, name, ref)
}
