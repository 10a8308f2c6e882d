// MetricObserver derives span duration, count, and outcome metrics from closed spans.
// Uses the OTel Metrics API with service, span and outcome attributes.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records derived metrics for each observed span.
type MetricObserver struct {
	duration metric.Float64Histogram
	spans    metric.Int64Counter
	failures metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given meter.
func NewMetricObserver(meter metric.Meter) (*MetricObserver, error) {
	duration, err := meter.Float64Histogram("ordertrace.span.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of traced units of work in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	spans, err := meter.Int64Counter("ordertrace.span.count",
		metric.WithDescription("Number of closed spans"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("ordertrace.span.failures",
		metric.WithDescription("Number of spans flagged as error, fault or throttle"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		duration: duration,
		spans:    spans,
		failures: failures,
	}, nil
}

// Observe records metrics derived from the closed span.
func (m *MetricObserver) Observe(rec SpanRecord) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("service.name", rec.Service),
		attribute.String("span.name", rec.Name),
	)
	m.spans.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(rec.Duration())/float64(time.Millisecond), attrs)

	for outcome, set := range map[Outcome]bool{
		OutcomeError:    rec.Error,
		OutcomeFault:    rec.Fault,
		OutcomeThrottle: rec.Throttle,
	} {
		if !set {
			continue
		}
		m.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service.name", rec.Service),
			attribute.String("span.name", rec.Name),
			attribute.String("outcome", outcome.String()),
		))
	}
}
