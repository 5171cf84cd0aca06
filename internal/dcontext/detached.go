package dcontext

import "context"

// Detached returns a context that keeps ctx's values (logger, registry
// host) but drops its cancellation and deadline, for work that must finish
// after the request that started it has gone away: cache writes, deferred
// cleanup.
func Detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
