//go:build !llama

package engine

import "testing"

func TestStubRefusesToGenerate(t *testing.T) {
	eng, err := NewLlamaEngine(LlamaConfig{ModelPath: "/tmp/none.gguf"})
	if err != nil {
		t.Fatalf("stub construction must not fail: %v", err)
	}
	_, err = eng.LaunchStream([]Message{{Role: "user", Content: "hi"}}, Params{}, nil, nil)
	if !IsDependencyUnavailable(err) {
		t.Fatalf("expected dependency-unavailable, got %v", err)
	}
	if eng.CountInputTokens([]Message{{Role: "user", Content: "hello world"}}) == 0 {
		t.Fatalf("token estimate should be non-zero")
	}
	if _, ok := eng.HandleStats(1); ok {
		t.Fatalf("stub has no stats")
	}
}

func TestDependencyUnavailablePredicate(t *testing.T) {
	if IsDependencyUnavailable(nil) {
		t.Fatalf("nil is not a dependency error")
	}
	if !IsDependencyUnavailable(ErrDependencyUnavailable("x")) {
		t.Fatalf("constructor output must satisfy the predicate")
	}
}
