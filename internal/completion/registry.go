package completion

import (
	"sort"
	"sync"

	"inferd/internal/engine"
	"inferd/pkg/types"
)

// RequestRegistry maps request ids to in-flight generation handles so an
// external cancel command can stop them. Entries are added at launch and
// removed only by the owning session at terminal completion; the registry
// holds non-owning references.
type RequestRegistry struct {
	mu      sync.Mutex
	handles map[string]engine.Handle
}

func NewRequestRegistry() *RequestRegistry {
	return &RequestRegistry{handles: make(map[string]engine.Handle)}
}

func (r *RequestRegistry) Register(id string, h engine.Handle) {
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
}

func (r *RequestRegistry) Deregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// LookupAndAbort calls abort on the handle registered under id. The bool
// distinguishes "unknown id" (false, nil) from "found but abort failed"
// (true, err). The entry stays registered; the owning session deregisters
// it when its stream terminates.
func (r *RequestRegistry) LookupAndAbort(id string, abort func(engine.Handle) error) (bool, error) {
	r.mu.Lock()
	h, ok := r.handles[id]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, abort(h)
}

// Len reports the number of in-flight requests.
func (r *RequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Active returns a snapshot of in-flight requests for operational inspection.
func (r *RequestRegistry) Active() []types.ActiveRequest {
	r.mu.Lock()
	out := make([]types.ActiveRequest, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, types.ActiveRequest{RequestID: id, Handle: uint64(h)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}
