// Tests for span handles: tree structure, propagation, outcome flags and scoped closure
// Uses the SDK SpanRecorder to check what reaches the exporter
package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newTestTracer(t *testing.T, service string, opts ...Option) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp, service, opts...), sr
}

func attrValue(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func endedByName(sr *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	for _, s := range sr.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

type rejection struct{}

func (rejection) Error() string    { return "out of stock" }
func (rejection) Outcome() Outcome { return OutcomeNone }

func TestStartChildJoinsParentTrace(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t, "svc")

	root := tr.Start("root", nil, trace.WithSpanKind(trace.SpanKindServer))
	child := tr.Start("child", root)
	require.NoError(t, child.End())
	require.NoError(t, root.End())

	assert.Equal(t, root.TraceID(), child.TraceID())
	assert.Equal(t, root.SpanID(), child.Record().ParentSpanID)
	assert.Empty(t, root.Record().ParentSpanID)

	ended := endedByName(sr, "child")
	require.NotNil(t, ended)
	assert.Equal(t, root.SpanContext().SpanID(), ended.Parent().SpanID())
	assert.Equal(t, "server", root.Record().Kind)
	assert.Equal(t, "internal", child.Record().Kind)
}

func TestStartWithoutParentCreatesNewTrace(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracer(t, "svc")
	a := tr.Start("a", nil)
	b := tr.Start("b", nil)
	require.NoError(t, a.End())
	require.NoError(t, b.End())

	assert.NotEqual(t, a.TraceID(), b.TraceID())
}

func TestAnnotateOverwritesAndTypes(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t, "svc")
	span := tr.Start("op", nil)
	span.Annotate("orderStatus", "PENDING")
	span.Annotate("available", true)
	span.Annotate("price", 79.99)
	span.Annotate("orderStatus", "CREATED")
	require.NoError(t, span.End())

	rec := span.Record()
	require.Len(t, rec.Annotations, 3)
	assert.Equal(t, "orderStatus", rec.Annotations[0].Key, "overwrite keeps original position")
	v, ok := rec.Annotation("orderStatus")
	require.True(t, ok)
	assert.Equal(t, "CREATED", v)

	ended := endedByName(sr, "op")
	require.NotNil(t, ended)
	av, ok := attrValue(ended, "available")
	require.True(t, ok)
	assert.Equal(t, attribute.BOOL, av.Type())
	pv, ok := attrValue(ended, "price")
	require.True(t, ok)
	assert.InDelta(t, 79.99, pv.AsFloat64(), 1e-9)
}

func TestMetadataIsJSONEncoded(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t, "svc")
	span := tr.Start("op", nil)
	span.AddMetadata("order", map[string]any{"quantity": 2})
	require.NoError(t, span.End())

	ended := endedByName(sr, "op")
	v, ok := attrValue(ended, "metadata.order")
	require.True(t, ok)
	assert.JSONEq(t, `{"quantity":2}`, v.AsString())
	assert.Equal(t, map[string]any{"quantity": 2}, span.Record().Metadata["order"])
}

func TestEndIsExactlyOnce(t *testing.T) {
	t.Parallel()

	var observed int
	tr, sr := newTestTracer(t, "svc", WithObservers(ObserverFunc(func(SpanRecord) { observed++ })))

	span := tr.Start("op", nil)
	require.NoError(t, span.End())
	assert.ErrorIs(t, span.End(), ErrSpanClosed)

	assert.Equal(t, 1, observed)
	assert.Len(t, sr.Ended(), 1)
	assert.True(t, span.Closed())
}

func TestMutationsAfterEndAreIgnored(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracer(t, "svc")
	span := tr.Start("op", nil)
	require.NoError(t, span.End())

	span.Annotate("late", 1)
	span.RecordFault(errors.New("late"))

	rec := span.Record()
	assert.Empty(t, rec.Annotations)
	assert.False(t, rec.Fault)
}

func TestEndNeverPrecedesStart(t *testing.T) {
	t.Parallel()

	ticks := []time.Time{
		time.Date(2025, 1, 1, 0, 0, 1, 0, time.UTC),
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	i := 0
	clock := func() time.Time {
		now := ticks[min(i, len(ticks)-1)]
		i++
		return now
	}
	tr, _ := newTestTracer(t, "svc", WithClock(clock))
	span := tr.Start("op", nil)
	require.NoError(t, span.End())

	rec := span.Record()
	assert.False(t, rec.End.Before(rec.Start))
}

func TestOutcomeFlags(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t, "svc")

	clientErr := tr.Start("client", nil)
	clientErr.RecordError(errors.New("bad input"))
	require.NoError(t, clientErr.End())

	fault := tr.Start("fault", nil)
	fault.RecordFault(errors.New("db down"))
	require.NoError(t, fault.End())

	throttled := tr.Start("throttled", nil)
	throttled.SetThrottle()
	require.NoError(t, throttled.End())

	rec := clientErr.Record()
	assert.True(t, rec.Error)
	assert.False(t, rec.Fault)
	assert.Equal(t, "bad input", rec.Metadata["error"])

	assert.True(t, fault.Record().Fault)
	assert.True(t, throttled.Record().Throttle)

	assert.Equal(t, codes.Error, endedByName(sr, "fault").Status().Code)
	assert.Equal(t, codes.Error, endedByName(sr, "client").Status().Code)
	assert.Equal(t, codes.Unset, endedByName(sr, "throttled").Status().Code)

	fv, ok := attrValue(endedByName(sr, "fault"), AttrFault)
	require.True(t, ok)
	assert.True(t, fv.AsBool())
}

func TestDoClosesOnEveryPath(t *testing.T) {
	t.Parallel()

	tr, sr := newTestTracer(t, "svc")
	root := tr.Start("root", nil)

	require.NoError(t, tr.Do("ok", root, func(*Span) error { return nil }))

	err := tr.Do("plain-error", root, func(*Span) error { return errors.New("boom") })
	require.Error(t, err)

	err = tr.Do("rejected", root, func(*Span) error { return rejection{} })
	require.Error(t, err)

	assert.Panics(t, func() {
		_ = tr.Do("panics", root, func(*Span) error { panic("kaboom") })
	})

	require.NoError(t, root.End())
	assert.Len(t, sr.Started(), 5)
	assert.Len(t, sr.Ended(), 5)

	flags := func(name string) (bool, bool) {
		s := endedByName(sr, name)
		require.NotNil(t, s, name)
		e, _ := attrValue(s, AttrError)
		f, _ := attrValue(s, AttrFault)
		return e.AsBool(), f.AsBool()
	}

	e, f := flags("ok")
	assert.False(t, e)
	assert.False(t, f)

	_, f = flags("plain-error")
	assert.True(t, f, "unclassified errors are faults")

	e, f = flags("rejected")
	assert.False(t, e)
	assert.False(t, f, "business rejections are not flagged")
	rv, ok := attrValue(endedByName(sr, "rejected"), "metadata.rejection")
	require.True(t, ok)
	assert.Equal(t, "out of stock", rv.AsString())

	_, f = flags("panics")
	assert.True(t, f)
}

func TestSyncPropagationContinuesTrace(t *testing.T) {
	t.Parallel()

	caller, _ := newTestTracer(t, "orders-api")
	callee, sr := newTestTracer(t, "inventory")

	span := caller.Start("CheckInventory", nil, trace.WithSpanKind(trace.SpanKindClient))
	carrier := propagation.MapCarrier{}
	caller.Inject(span, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))

	var remote SpanRecord
	err := callee.DoRemote("inventory.CheckStock", carrier, func(s *Span) error {
		child := callee.Start("CatalogLookup", s)
		require.NoError(t, child.End())
		remote = s.Record()
		return nil
	}, trace.WithSpanKind(trace.SpanKindServer))
	require.NoError(t, err)
	require.NoError(t, span.End())

	assert.Equal(t, span.TraceID(), remote.TraceID)
	assert.Equal(t, span.SpanID(), remote.ParentSpanID)

	for _, s := range sr.Ended() {
		assert.Equal(t, span.SpanContext().TraceID(), s.SpanContext().TraceID(), s.Name())
	}
}

func TestStartRemoteWithoutContextStartsNewTrace(t *testing.T) {
	t.Parallel()

	tr, _ := newTestTracer(t, "svc")
	span := tr.StartRemote("op", propagation.MapCarrier{})
	require.NoError(t, span.End())

	assert.True(t, span.SpanContext().IsValid())
	assert.Empty(t, span.Record().ParentSpanID)
}

func TestAsyncPropagationLinksTrace(t *testing.T) {
	t.Parallel()

	caller, _ := newTestTracer(t, "orders-api")
	callee, sr := newTestTracer(t, "notification")

	span := caller.Start("DispatchNotification", nil, trace.WithSpanKind(trace.SpanKindProducer))
	carrier := propagation.MapCarrier{}
	caller.Inject(span, carrier)
	require.NoError(t, span.End())

	linked := callee.StartLinked("notification.Send", carrier, trace.WithSpanKind(trace.SpanKindConsumer))
	require.NoError(t, linked.End())

	rec := linked.Record()
	assert.NotEqual(t, span.TraceID(), rec.TraceID)
	assert.Empty(t, rec.ParentSpanID)
	assert.Equal(t, span.TraceID(), rec.LinkedTraceID)
	assert.Equal(t, span.SpanID(), rec.LinkedSpanID)
	assert.Equal(t, span.TraceID(), rec.Metadata["linkedTraceId"])

	ended := endedByName(sr, "notification.Send")
	require.Len(t, ended.Links(), 1)
	assert.Equal(t, span.SpanContext().SpanID(), ended.Links()[0].SpanContext.SpanID())
	assert.False(t, ended.Parent().IsValid())
}

func TestRecorderRing(t *testing.T) {
	t.Parallel()

	r := NewRecorder(3)
	for _, name := range []string{"a", "b", "c", "d"} {
		r.Observe(SpanRecord{Name: name, TraceID: "t-" + name})
	}

	recs := r.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "b", recs[0].Name)
	assert.Equal(t, "d", recs[2].Name)

	recent := r.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "d", recent[0].Name)
	assert.Equal(t, "c", recent[1].Name)

	assert.Len(t, r.Trace("t-c"), 1)
	r.Reset()
	assert.Empty(t, r.Records())
}
