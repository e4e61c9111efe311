package capture

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateCapture is returned when an analysis id already has a live
	// capture. A capture is never silently replaced.
	ErrDuplicateCapture = errors.New("capture already exists")

	// ErrCaptureNotFound is returned by the strict stop path when no live
	// capture exists for an analysis id.
	ErrCaptureNotFound = errors.New("capture not found")
)

// Registry is the concurrent map of live captures, keyed by analysis id. The
// event goroutine iterates snapshots while control-surface goroutines insert
// and remove; per-capture file writes have their own locks.
type Registry struct {
	mu       sync.RWMutex
	captures map[string]*Capture
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		captures: make(map[string]*Capture),
	}
}

// Add inserts a capture. Fails if the analysis id is already live.
func (r *Registry) Add(c *Capture) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.captures[c.AnalysisID()]; exists {
		return fmt.Errorf("%w for analysis_id=%s", ErrDuplicateCapture, c.AnalysisID())
	}
	r.captures[c.AnalysisID()] = c
	return nil
}

// Has reports whether an analysis id currently has a live capture.
func (r *Registry) Has(analysisID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.captures[analysisID]
	return ok
}

// Remove atomically detaches a capture so no further events reach it.
func (r *Registry) Remove(analysisID string) (*Capture, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.captures[analysisID]
	if ok {
		delete(r.captures, analysisID)
	}
	return c, ok
}

// Snapshot returns the current live captures. The event goroutine iterates
// the snapshot without holding the registry lock so a slow file write never
// blocks insertion or removal.
func (r *Registry) Snapshot() []*Capture {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Capture, 0, len(r.captures))
	for _, c := range r.captures {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live captures.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.captures)
}

// Drain removes and returns every live capture.
func (r *Registry) Drain() []*Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Capture, 0, len(r.captures))
	for id, c := range r.captures {
		out = append(out, c)
		delete(r.captures, id)
	}
	return out
}
