package httpapi

import (
	"context"
	"testing"
	"time"
)

func waitCanceled(t *testing.T, ctx context.Context, msg string) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal(msg)
	}
}

func TestJoinContextsCancelsOnEitherParent(t *testing.T) {
	a, ac := context.WithCancel(context.Background())
	b, bc := context.WithCancel(context.Background())
	defer bc()
	j, cancelJ := joinContexts(a, b)
	defer cancelJ()
	ac()
	waitCanceled(t, j, "joined context did not cancel with the first parent")

	c, cc := context.WithCancel(context.Background())
	defer cc()
	d, dc := context.WithCancel(context.Background())
	j2, cancelJ2 := joinContexts(c, d)
	defer cancelJ2()
	dc()
	waitCanceled(t, j2, "joined context did not cancel with the second parent")
}

func TestSetBaseContextNilFallsBackToBackground(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	SetBaseContext(ctx)
	cancel()
	// nolint:staticcheck // SA1012: nil is the documented reset value
	SetBaseContext(nil)
	t.Cleanup(func() { SetBaseContext(nil) })

	req, rc := context.WithCancel(context.Background())
	defer rc()
	j, cancelJ := joinContexts(serverBaseCtx, req)
	defer cancelJ()
	select {
	case <-j.Done():
		t.Fatal("background base context must not be canceled")
	case <-time.After(50 * time.Millisecond):
	}
	rc()
	waitCanceled(t, j, "joined context did not cancel with the request context")
}
