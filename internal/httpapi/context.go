package httpapi

import (
	"context"
)

// serverBaseCtx is canceled on daemon shutdown so in-flight generations end
// with the process. Handlers join it with their per-request context.
var serverBaseCtx = context.Background()

// SetBaseContext installs the shutdown context handlers join against.
// A nil ctx resets to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts derives a context canceled as soon as either parent is done.
// The cancel func must be called when the handler returns, otherwise the
// watcher goroutine leaks.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
		case <-b.Done():
		}
		cancel()
	}()
	return ctx, cancel
}
