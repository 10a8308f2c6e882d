// LogObserver derives log records from failed and slow spans.
// Emits ERROR-severity logs for faults, WARN for client errors, throttles and slow spans.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable span outcomes.
type LogObserver struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLogObserver creates a LogObserver emitting through logger.
// A slowThreshold of 0 disables slow span detection.
func NewLogObserver(logger log.Logger, slowThreshold time.Duration) *LogObserver {
	return &LogObserver{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

// Observe emits log records for flagged spans and spans exceeding the slow threshold.
func (l *LogObserver) Observe(rec SpanRecord) {
	attrs := []log.KeyValue{
		log.String("service.name", rec.Service),
		log.String("span.name", rec.Name),
		log.String("trace_id", rec.TraceID),
		log.String("span_id", rec.SpanID),
	}
	for _, a := range rec.Annotations {
		attrs = append(attrs, log.String("annotation."+a.Key, fmt.Sprint(a.Value)))
	}

	switch {
	case rec.Fault:
		l.emit(log.SeverityError, "ERROR", fmt.Sprintf("fault in %s %s%s", rec.Service, rec.Name, detail(rec)), attrs)
	case rec.Error:
		l.emit(log.SeverityWarn, "WARN", fmt.Sprintf("error in %s %s%s", rec.Service, rec.Name, detail(rec)), attrs)
	case rec.Throttle:
		l.emit(log.SeverityWarn, "WARN", fmt.Sprintf("throttled %s %s", rec.Service, rec.Name), attrs)
	}

	if l.slowThreshold > 0 && rec.Duration() > l.slowThreshold {
		l.emit(log.SeverityWarn, "WARN", fmt.Sprintf(
			"slow operation %s %s: %s (threshold %s)",
			rec.Service, rec.Name, rec.Duration(), l.slowThreshold,
		), attrs)
	}
}

func (l *LogObserver) emit(sev log.Severity, text, body string, attrs []log.KeyValue) {
	var r log.Record
	r.SetSeverity(sev)
	r.SetSeverityText(text)
	r.SetBody(log.StringValue(body))
	r.AddAttributes(attrs...)
	l.logger.Emit(context.Background(), r)
}

func detail(rec SpanRecord) string {
	if msg, ok := rec.Metadata[metadataErrKey]; ok {
		return fmt.Sprintf(": %v", msg)
	}
	return ""
}
