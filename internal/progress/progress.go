// Package progress defines the non-throwing progress-event callback the
// image store's pull, push, and import operations report through; the
// content store, registry client, and OCI-layout client do not report
// progress themselves. Callers receive batches of (event, value) pairs rather than one
// callback per byte, so batching is always legal and cheap.
package progress

// EventKind names what a progress value describes.
type EventKind string

const (
	// AddItems reports completed discrete work items (e.g. blobs fetched).
	AddItems EventKind = "add-items"
	// AddTotalItems accumulates expected discrete work items.
	AddTotalItems EventKind = "add-total-items"
	// AddSize reports completed bytes.
	AddSize EventKind = "add-size"
	// AddTotalSize accumulates expected bytes.
	AddTotalSize EventKind = "add-total-size"
)

// Event is one reported delta. Totals and progress are commutative:
// receivers should simply accumulate whatever they're given.
type Event struct {
	Kind  EventKind
	Value int64
}

// Handler is invoked with a batch of events. It must not block
// indefinitely and must not panic; vmimage treats a Handler as purely
// cooperative and never depends on it for correctness.
type Handler func(events []Event)

// Reporter is a convenience wrapper that turns each single-event call into
// a one-event Handler invocation (calls are not merged into larger
// batches), used by the image store's pull, push, and import walks to
// report as they go without allocating a slice at every call site.
type Reporter struct {
	handler Handler
}

// NewReporter wraps handler. A nil handler yields a Reporter whose methods
// are no-ops, so callers never need to nil-check before reporting.
func NewReporter(handler Handler) *Reporter {
	return &Reporter{handler: handler}
}

func (r *Reporter) emit(kind EventKind, value int64) {
	if r == nil || r.handler == nil || value == 0 {
		return
	}
	r.handler([]Event{{Kind: kind, Value: value}})
}

// Items reports n completed items.
func (r *Reporter) Items(n int64) { r.emit(AddItems, n) }

// TotalItems accumulates n expected items.
func (r *Reporter) TotalItems(n int64) { r.emit(AddTotalItems, n) }

// Size reports n completed bytes.
func (r *Reporter) Size(n int64) { r.emit(AddSize, n) }

// TotalSize accumulates n expected bytes.
func (r *Reporter) TotalSize(n int64) { r.emit(AddTotalSize, n) }
