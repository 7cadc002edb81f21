package completion

import (
	"errors"
	"testing"

	"inferd/internal/engine"
)

func TestRegistryRegisterDeregister(t *testing.T) {
	r := NewRequestRegistry()
	if r.Len() != 0 {
		t.Fatalf("len=%d", r.Len())
	}
	r.Register("a", 1)
	r.Register("b", 2)
	if r.Len() != 2 {
		t.Fatalf("len=%d", r.Len())
	}
	r.Deregister("a")
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
	// deregistering twice is harmless
	r.Deregister("a")
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}
}

func TestRegistryActiveSorted(t *testing.T) {
	r := NewRequestRegistry()
	r.Register("chatcmpl-b", 2)
	r.Register("chatcmpl-a", 1)
	active := r.Active()
	if len(active) != 2 || active[0].RequestID != "chatcmpl-a" || active[1].Handle != 2 {
		t.Fatalf("active=%+v", active)
	}
}

func TestRegistryLookupAndAbort(t *testing.T) {
	r := NewRequestRegistry()
	r.Register("a", 7)

	var aborted engine.Handle
	found, err := r.LookupAndAbort("a", func(h engine.Handle) error {
		aborted = h
		return nil
	})
	if !found || err != nil || aborted != 7 {
		t.Fatalf("found=%v err=%v aborted=%v", found, err, aborted)
	}
	// aborting does not remove the entry
	if r.Len() != 1 {
		t.Fatalf("len=%d", r.Len())
	}

	found, err = r.LookupAndAbort("missing", func(engine.Handle) error {
		t.Fatal("abort must not run for unknown id")
		return nil
	})
	if found || err != nil {
		t.Fatalf("found=%v err=%v", found, err)
	}

	wantErr := errors.New("backend gone")
	found, err = r.LookupAndAbort("a", func(engine.Handle) error { return wantErr })
	if !found || !errors.Is(err, wantErr) {
		t.Fatalf("found=%v err=%v", found, err)
	}
}
