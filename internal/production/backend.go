// Package production is the boundary to external media generation backends.
// The core owns the interface; concrete backends (API clients, local
// pipelines) are injected at wiring time and looked up by the reference
// string a tier names.
package production

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Request describes one unit of media work for a persona slot.
type Request struct {
	Persona string
	Tier    int
	Channel string
	SlotID  string
	Date    string
	Style   string
}

// Result is what a backend hands back on success. CostConsumed is the
// actual spend in ledger units; it may undercut the reserved amount, never
// exceed it. Zero means the full reserved amount was spent.
type Result struct {
	ArtifactRef  string
	CostConsumed int64
	Elapsed      time.Duration
}

// BackendError carries retry guidance from a backend. Errors that are not
// a *BackendError are treated as retryable.
type BackendError struct {
	Ref       string
	Retryable bool
	RetryIn   time.Duration
	Err       error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Ref, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher should retry after err.
func Retryable(err error) bool {
	if be, ok := err.(*BackendError); ok {
		return be.Retryable
	}
	return err != nil
}

// Backend produces one artifact. Implementations must honor ctx
// cancellation; the dispatcher bounds every call with a timeout.
type Backend interface {
	Produce(ctx context.Context, req Request) (Result, error)
}

// Registry maps backend references from tier configuration to
// implementations. Registration happens during wiring, before any tick.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(ref string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[ref] = b
}

func (r *Registry) Lookup(ref string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[ref]
	if !ok {
		return nil, fmt.Errorf("no backend registered for %q", ref)
	}
	return b, nil
}

// Refs returns the registered references, sorted, for config validation
// and the status surface.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.backends))
	for ref := range r.backends {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
