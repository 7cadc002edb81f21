package completion

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGeneratedTokensCounted(t *testing.T) {
	eng := newFakeEngine(5, "a", "b", "c")
	s := newTestServer(eng)

	baseline := testutil.ToFloat64(generatedTokensTotal)
	if _, err := s.ChatCompletion(context.Background(), chatReq(), connectedTransport{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := testutil.ToFloat64(generatedTokensTotal)
	if got < baseline+3 {
		t.Fatalf("expected counter >= %v, got %v", baseline+3, got)
	}
}
