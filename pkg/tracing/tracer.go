// Tracer creating span handles and propagating trace context across function invocations
// Span handles are passed explicitly; context.Context only carries cancellation
package tracing

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Propagator is the W3C trace context and baggage propagator used for call envelopes.
var Propagator propagation.TextMapPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// Tracer starts spans for one service.
type Tracer struct {
	tracer     trace.Tracer
	service    string
	propagator propagation.TextMapPropagator
	observers  []SpanObserver
	now        func() time.Time
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithObservers registers observers notified after each span closes.
func WithObservers(obs ...SpanObserver) Option {
	return func(t *Tracer) {
		t.observers = append(t.observers, obs...)
	}
}

// WithClock overrides the time source used for span timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		t.now = now
	}
}

// WithPropagator overrides the text map propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *Tracer) {
		t.propagator = p
	}
}

// NewTracer creates a Tracer for service backed by the given provider.
func NewTracer(tp trace.TracerProvider, service string, opts ...Option) *Tracer {
	t := &Tracer{
		tracer:     tp.Tracer(service),
		service:    service,
		propagator: Propagator,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Service returns the service name spans are attributed to.
func (t *Tracer) Service() string {
	return t.service
}

// Start opens a span as a child of parent, or as the root of a new trace when parent is nil.
func (t *Tracer) Start(name string, parent *Span, opts ...trace.SpanStartOption) *Span {
	ctx := context.Background()
	parentID := ""
	if parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent.otel)
		parentID = parent.SpanID()
	} else {
		opts = append(slices.Clip(opts), trace.WithNewRoot())
	}
	return t.start(ctx, name, parentID, trace.SpanContext{}, opts)
}

// StartRemote continues a trace received over a synchronous call. The new span is a
// child of the caller's span serialised in carrier; without one it starts a new trace.
func (t *Tracer) StartRemote(name string, carrier propagation.TextMapCarrier, opts ...trace.SpanStartOption) *Span {
	ctx := t.propagator.Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	parentID := ""
	if sc.IsValid() {
		parentID = sc.SpanID().String()
	} else {
		opts = append(slices.Clip(opts), trace.WithNewRoot())
	}
	return t.start(ctx, name, parentID, trace.SpanContext{}, opts)
}

// StartLinked opens the root of a new trace for work triggered asynchronously.
// The originating span in carrier is referenced by a span link, not as a parent,
// because the caller may have finished before this work starts.
func (t *Tracer) StartLinked(name string, carrier propagation.TextMapCarrier, opts ...trace.SpanStartOption) *Span {
	origin := trace.SpanContextFromContext(t.propagator.Extract(context.Background(), carrier))
	opts = append(slices.Clip(opts), trace.WithNewRoot())
	if origin.IsValid() {
		opts = append(opts, trace.WithLinks(trace.Link{
			SpanContext: origin,
			Attributes:  []attribute.KeyValue{attribute.String("link.type", "async")},
		}))
	}
	span := t.start(context.Background(), name, "", origin, opts)
	if origin.IsValid() {
		span.AddMetadata(metadataLinkKey, origin.TraceID().String())
	}
	return span
}

func (t *Tracer) start(ctx context.Context, name, parentID string, link trace.SpanContext, opts []trace.SpanStartOption) *Span {
	start := t.now()
	opts = append(slices.Clip(opts), trace.WithTimestamp(start))
	cfg := trace.NewSpanStartConfig(opts...)
	kind := cfg.SpanKind()
	if kind == trace.SpanKindUnspecified {
		kind = trace.SpanKindInternal
	}
	_, otelSpan := t.tracer.Start(ctx, name, opts...)
	return &Span{
		tracer:   t,
		otel:     otelSpan,
		name:     name,
		kind:     kind,
		parentID: parentID,
		link:     link,
		start:    start,
	}
}

// Inject serialises span's trace and span identifiers into carrier for an outbound call.
func (t *Tracer) Inject(span *Span, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(trace.ContextWithSpan(context.Background(), span.otel), carrier)
}

// Fields returns the carrier keys the propagator reads and writes.
func (t *Tracer) Fields() []string {
	return t.propagator.Fields()
}

// ContextWithSpan returns a copy of ctx carrying span, so instrumented drivers
// (database tracers, HTTP transports) nest their spans under it.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return trace.ContextWithSpan(ctx, span.otel)
}

// Do runs fn inside a child span of parent and closes the span on every exit path.
// A returned error is classified onto the span; a panic records a fault and re-panics.
func (t *Tracer) Do(name string, parent *Span, fn func(*Span) error, opts ...trace.SpanStartOption) error {
	return scope(t.Start(name, parent, opts...), fn)
}

// DoRemote is Do for a span continuing a synchronous caller's trace.
func (t *Tracer) DoRemote(name string, carrier propagation.TextMapCarrier, fn func(*Span) error, opts ...trace.SpanStartOption) error {
	return scope(t.StartRemote(name, carrier, opts...), fn)
}

// DoLinked is Do for the root span of asynchronously triggered work.
func (t *Tracer) DoLinked(name string, carrier propagation.TextMapCarrier, fn func(*Span) error, opts ...trace.SpanStartOption) error {
	return scope(t.StartLinked(name, carrier, opts...), fn)
}

func scope(span *Span, fn func(*Span) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			span.RecordFault(fmt.Errorf("panic: %v", r))
			_ = span.End()
			panic(r)
		}
		span.Classify(err)
		_ = span.End()
	}()
	return fn(span)
}
