// Package registry implements the Protocol Registry (section 4.G): an
// immutable-after-construction, priority-ordered dispatch table over
// (detector, handler, priority) descriptors with an optional fallback
// handler.
//
// The thread-safe add/get-a-copy shape is grounded on
// proxy/internal/addonregistry/registry.go. Priority ordering decorates and
// undecorates descriptors with github.com/samber/lo's lo.Map around a small
// stable insertion sort (sortStableByPriority).
package registry

import (
	"context"
	"io"
	"sync"

	"github.com/samber/lo"

	"github.com/owlnet/portmux/internal/model"
)

// DefaultMaxDetectionBytes is the peek budget the listener uses before
// dispatch (spec.md §4.G).
const DefaultMaxDetectionBytes = 1024

// Detector classifies a byte prefix.
type Detector interface {
	Detect(prefix []byte) model.DetectionResult
}

// DetectorFunc adapts a function to a Detector.
type DetectorFunc func(prefix []byte) model.DetectionResult

func (f DetectorFunc) Detect(prefix []byte) model.DetectionResult { return f(prefix) }

// Handler serves a dispatched connection. conn is already wrapped so that
// the detection prefix is re-emitted before any further reads.
type Handler interface {
	Handle(ctx context.Context, conn io.ReadWriteCloser) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, conn io.ReadWriteCloser) error

func (f HandlerFunc) Handle(ctx context.Context, conn io.ReadWriteCloser) error { return f(ctx, conn) }

// Descriptor is a single registered (detector, handler, priority) entry.
type Descriptor struct {
	Name     string
	Detector Detector
	Handler  Handler
	Priority uint8 // higher runs first; ties break by registration order
}

// Registry is a priority-ordered, thread-safe dispatch table. Zero value
// is usable; descriptors are typically all added during startup and the
// table is not mutated afterward (section 5: "frozen after startup").
type Registry struct {
	mu               sync.RWMutex
	descriptors      []Descriptor
	maxDetectionBytes int
	fallback         Handler
}

// New constructs a Registry with the given max_detection_bytes budget
// (defaulting to DefaultMaxDetectionBytes when 0).
func New(maxDetectionBytes int) *Registry {
	if maxDetectionBytes <= 0 {
		maxDetectionBytes = DefaultMaxDetectionBytes
	}
	return &Registry{maxDetectionBytes: maxDetectionBytes}
}

// Register adds a descriptor. Registration order is preserved for
// stable tie-breaking among equal priorities.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = append(r.descriptors, d)
}

// SetFallback installs the handler used when no descriptor's detector
// matches. A nil fallback means unmatched connections are closed.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// MaxDetectionBytes returns the configured peek budget.
func (r *Registry) MaxDetectionBytes() int {
	return r.maxDetectionBytes
}

// ordered returns a priority-sorted copy of the registered descriptors,
// highest priority first, ties broken by registration order.
func (r *Registry) ordered() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cp := make([]Descriptor, len(r.descriptors))
	copy(cp, r.descriptors)

	// Decorate with the original index so priority ties break by
	// registration order, sort, then undecorate with lo.Map.
	decorated := lo.Map(cp, func(d Descriptor, idx int) indexedDescriptor {
		return indexedDescriptor{d: d, idx: idx}
	})
	sortStableByPriority(decorated, func(a, b indexedDescriptor) bool {
		if a.d.Priority != b.d.Priority {
			return a.d.Priority > b.d.Priority
		}
		return a.idx < b.idx
	})
	return lo.Map(decorated, func(i indexedDescriptor, _ int) Descriptor {
		return i.d
	})
}

type indexedDescriptor struct {
	d   Descriptor
	idx int
}

func sortStableByPriority[T any](s []T, less func(a, b T) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Dispatch classifies prefix and returns the selected handler and
// descriptor name, iterating descriptors from highest to lowest priority.
// The first detector returning a non-Unknown result wins. If none match,
// the fallback handler is returned (ok=true, name=""); if no fallback is
// configured, ok is false and the caller must close the connection.
func (r *Registry) Dispatch(prefix []byte) (h Handler, name string, tag model.Tag, ok bool) {
	for _, d := range r.ordered() {
		result := d.Detector.Detect(prefix)
		if result.Tag != model.Unknown {
			return d.Handler, d.Name, result.Tag, true
		}
	}

	r.mu.RLock()
	fb := r.fallback
	r.mu.RUnlock()
	if fb != nil {
		return fb, "", model.Unknown, true
	}
	return nil, "", model.Unknown, false
}
