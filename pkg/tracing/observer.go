// SpanObserver interface for deriving signals (metrics, logs) from closed spans
// Recorder keeps recent span records in memory for tests and the debug feed
package tracing

import (
	"sync"
)

// SpanObserver receives a record after each span is closed.
type SpanObserver interface {
	Observe(rec SpanRecord)
}

// ObserverFunc adapts a function to SpanObserver.
type ObserverFunc func(SpanRecord)

// Observe calls f(rec).
func (f ObserverFunc) Observe(rec SpanRecord) { f(rec) }

// DefaultRecorderCapacity bounds the records a Recorder keeps when no capacity is given.
const DefaultRecorderCapacity = 1000

// Recorder keeps the most recent span records in a ring buffer.
type Recorder struct {
	mu      sync.Mutex
	records []SpanRecord
	next    int
	full    bool
}

// NewRecorder creates a Recorder holding up to capacity records.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{records: make([]SpanRecord, capacity)}
}

// Observe stores rec, evicting the oldest record when full.
func (r *Recorder) Observe(rec SpanRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// Records returns stored records, oldest first.
func (r *Recorder) Records() []SpanRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]SpanRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}
	out := make([]SpanRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	return append(out, r.records[:r.next]...)
}

// Recent returns up to n of the newest records, newest first.
func (r *Recorder) Recent(n int) []SpanRecord {
	all := r.Records()
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]SpanRecord, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out
}

// Trace returns the stored records belonging to traceID, oldest first.
func (r *Recorder) Trace(traceID string) []SpanRecord {
	var out []SpanRecord
	for _, rec := range r.Records() {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	return out
}

// Reset discards all stored records.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.records)
	r.next = 0
	r.full = false
}
