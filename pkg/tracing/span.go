// Span handle wrapping an OTel span with indexed annotations, unindexed metadata and outcome flags
// A span is closed exactly once; annotations and flags are flushed to the OTel span on End
package tracing

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSpanClosed is returned by End when the span has already been closed.
var ErrSpanClosed = errors.New("span already closed")

// Attribute keys for outcome flags and metadata, as seen by the tracing backend.
const (
	AttrError         = "error"
	AttrFault         = "fault"
	AttrThrottle      = "throttle"
	metadataPrefix    = "metadata."
	metadataErrKey    = "error"
	metadataRejectKey = "rejection"
	metadataLinkKey   = "linkedTraceId"
)

// Outcome classifies how a unit of work ended.
type Outcome int

// Span outcomes. OutcomeNone is success or an expected business result.
const (
	OutcomeNone     Outcome = iota // OutcomeNone leaves all flags unset.
	OutcomeError                   // OutcomeError is a client-caused error.
	OutcomeFault                   // OutcomeFault is an internal fault.
	OutcomeThrottle                // OutcomeThrottle is a rejection due to load.
)

func (o Outcome) String() string {
	switch o {
	case OutcomeError:
		return "error"
	case OutcomeFault:
		return "fault"
	case OutcomeThrottle:
		return "throttle"
	default:
		return "ok"
	}
}

// Outcomer is implemented by errors that know how they should flag a span.
type Outcomer interface {
	Outcome() Outcome
}

// Annotation is an indexed key/value pair on a span.
type Annotation struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SpanRecord is the immutable snapshot of a closed span handed to observers.
type SpanRecord struct {
	Name          string         `json:"name"`
	Service       string         `json:"service"`
	TraceID       string         `json:"traceId"`
	SpanID        string         `json:"spanId"`
	ParentSpanID  string         `json:"parentSpanId,omitempty"`
	LinkedTraceID string         `json:"linkedTraceId,omitempty"`
	LinkedSpanID  string         `json:"linkedSpanId,omitempty"`
	Kind          string         `json:"kind"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	Annotations   []Annotation   `json:"annotations,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         bool           `json:"error"`
	Fault         bool           `json:"fault"`
	Throttle      bool           `json:"throttle"`
}

// Duration returns End minus Start.
func (r SpanRecord) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Annotation returns the value for key and whether it was set.
func (r SpanRecord) Annotation(key string) (any, bool) {
	for _, a := range r.Annotations {
		if a.Key == key {
			return a.Value, true
		}
	}
	return nil, false
}

// Span is one timed unit of work. All methods are safe for concurrent use.
type Span struct {
	tracer   *Tracer
	otel     trace.Span
	name     string
	kind     trace.SpanKind
	parentID string
	link     trace.SpanContext
	start    time.Time

	mu          sync.Mutex
	end         time.Time
	closed      bool
	annotations []Annotation
	metadata    map[string]any
	errored     bool
	fault       bool
	throttle    bool
}

// Name returns the span name.
func (s *Span) Name() string { return s.name }

// TraceID returns the hex trace identifier shared by every span in the trace.
func (s *Span) TraceID() string { return s.otel.SpanContext().TraceID().String() }

// SpanID returns the hex span identifier.
func (s *Span) SpanID() string { return s.otel.SpanContext().SpanID().String() }

// SpanContext returns the underlying OTel span context.
func (s *Span) SpanContext() trace.SpanContext { return s.otel.SpanContext() }

// Closed reports whether End has been called.
func (s *Span) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Annotate attaches an indexed scalar value, replacing any previous value for key.
// Non-scalar values are stored as their string form. Ignored once the span is closed.
func (s *Span) Annotate(key string, value any) {
	value = scalar(value)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if i := slices.IndexFunc(s.annotations, func(a Annotation) bool { return a.Key == key }); i >= 0 {
		s.annotations[i].Value = value
	} else {
		s.annotations = append(s.annotations, Annotation{Key: key, Value: value})
	}
	s.otel.SetAttributes(typedAttribute(key, value))
}

// AddMetadata attaches an unindexed structured value, replacing any previous value for key.
func (s *Span) AddMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.otel.SetAttributes(attribute.String(metadataPrefix+key, encodeMetadata(value)))
}

// RecordError flags the span as failed by the caller (a 4xx-style error).
func (s *Span) RecordError(err error) {
	s.recordOutcome(OutcomeError, err)
}

// RecordFault flags the span as failed internally (a 5xx-style fault).
func (s *Span) RecordFault(err error) {
	s.recordOutcome(OutcomeFault, err)
}

// SetThrottle flags the span as rejected because of load.
func (s *Span) SetThrottle() {
	s.recordOutcome(OutcomeThrottle, nil)
}

func (s *Span) recordOutcome(o Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch o {
	case OutcomeError:
		s.errored = true
	case OutcomeFault:
		s.fault = true
	case OutcomeThrottle:
		s.throttle = true
	}
	if err == nil {
		return
	}
	key := metadataErrKey
	if o == OutcomeNone {
		key = metadataRejectKey
	} else {
		s.otel.RecordError(err)
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = err.Error()
	s.otel.SetAttributes(attribute.String(metadataPrefix+key, err.Error()))
}

// Classify records err on the span according to its Outcome. Errors that do not
// implement Outcomer are faults. A nil error leaves the span untouched.
func (s *Span) Classify(err error) {
	if err == nil {
		return
	}
	outcome := OutcomeFault
	var oc Outcomer
	if errors.As(err, &oc) {
		outcome = oc.Outcome()
	}
	s.recordOutcome(outcome, err)
}

// End closes the span. The first call records the end time, flushes outcome flags
// and notifies observers; later calls return ErrSpanClosed and change nothing.
func (s *Span) End() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSpanClosed
	}
	s.closed = true
	end := s.tracer.now()
	if end.Before(s.start) {
		end = s.start
	}
	s.end = end

	s.otel.SetAttributes(
		attribute.Bool(AttrError, s.errored),
		attribute.Bool(AttrFault, s.fault),
		attribute.Bool(AttrThrottle, s.throttle),
	)
	switch {
	case s.fault:
		s.otel.SetStatus(codes.Error, "fault")
	case s.errored:
		s.otel.SetStatus(codes.Error, "error")
	}
	s.otel.End(trace.WithTimestamp(end))
	rec := s.recordLocked()
	s.mu.Unlock()

	for _, obs := range s.tracer.observers {
		obs.Observe(rec)
	}
	return nil
}

// Record returns a snapshot of the span. End is zero while the span is open.
func (s *Span) Record() SpanRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked()
}

func (s *Span) recordLocked() SpanRecord {
	sc := s.otel.SpanContext()
	rec := SpanRecord{
		Name:         s.name,
		Service:      s.tracer.service,
		TraceID:      sc.TraceID().String(),
		SpanID:       sc.SpanID().String(),
		ParentSpanID: s.parentID,
		Kind:         s.kind.String(),
		Start:        s.start,
		End:          s.end,
		Annotations:  slices.Clone(s.annotations),
		Metadata:     maps.Clone(s.metadata),
		Error:        s.errored,
		Fault:        s.fault,
		Throttle:     s.throttle,
	}
	if s.link.IsValid() {
		rec.LinkedTraceID = s.link.TraceID().String()
		rec.LinkedSpanID = s.link.SpanID().String()
	}
	return rec
}

// scalar narrows v to a type the backend can index.
func scalar(v any) any {
	switch t := v.(type) {
	case string, bool, int, int64, float64:
		return t
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// typedAttribute creates a KeyValue with the appropriate OTel type for the value.
func typedAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

func encodeMetadata(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
