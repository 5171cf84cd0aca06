package dcontext

import "context"

// GetStringValue returns a string value from the context, or "" when the key
// is absent or holds a non-string.
func GetStringValue(ctx context.Context, key any) (value string) {
	if valuev, ok := ctx.Value(key).(string); ok {
		value = valuev
	}
	return value
}

type registryHostKey struct{}

func (registryHostKey) String() string { return "registryHost" }

// WithRegistryHost records the Host header the request arrived on, so
// handlers building absolute URLs agree with what the client dialed.
func WithRegistryHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, registryHostKey{}, host)
}

// GetRegistryHost returns the host recorded by WithRegistryHost, or "".
func GetRegistryHost(ctx context.Context) string {
	return GetStringValue(ctx, registryHostKey{})
}
