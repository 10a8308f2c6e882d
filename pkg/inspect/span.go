// Span parsing for exported ordertrace telemetry
// Reads stdouttrace (line-delimited JSON) and OTLP JSON and recovers outcome flags and links
package inspect

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/andrewh/ordertrace/pkg/tracing"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// Span is an exported span in format-independent form.
type Span struct {
	TraceID       string
	SpanID        string
	ParentID      string
	LinkedTraceID string
	Service       string
	Name          string
	Start         time.Time
	End           time.Time
	Error         bool
	Fault         bool
	Throttle      bool
	Attributes    map[string]string
}

// Duration returns End minus Start.
func (s Span) Duration() time.Duration { return s.End.Sub(s.Start) }

// Format identifies the input encoding.
type Format string

// Supported formats.
const (
	FormatAuto        Format = "auto"
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// ErrNoSpans is returned when the input holds no spans.
var ErrNoSpans = errors.New("no spans found in input")

const maxInputSize = 256 * 1024 * 1024

// flagAttributes are surfaced as Span fields instead of attributes.
var flagAttributes = map[string]bool{
	tracing.AttrError:    true,
	tracing.AttrFault:    true,
	tracing.AttrThrottle: true,
}

// ParseSpans reads every span in r.
func ParseSpans(r io.Reader, format Format) ([]Span, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoSpans
	}

	if format == FormatAuto || format == "" {
		if format, err = detectFormat(data); err != nil {
			return nil, err
		}
	}
	var spans []Span
	switch format {
	case FormatStdouttrace:
		spans, err = parseStdouttrace(data)
	case FormatOTLP:
		spans, err = parseOTLP(data)
	default:
		return nil, fmt.Errorf("unknown format %q, valid formats: auto, stdouttrace, otlp", format)
	}
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, ErrNoSpans
	}
	return spans, nil
}

// detectFormat probes the first line, then the whole input for pretty-printed OTLP.
func detectFormat(data []byte) (Format, error) {
	first, _, more := bytes.Cut(data, []byte{'\n'})
	candidates := [][]byte{bytes.TrimSpace(first)}
	if more {
		candidates = append(candidates, data)
	}
	for _, c := range candidates {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(c, &probe); err != nil {
			continue
		}
		if _, ok := probe["SpanContext"]; ok {
			return FormatStdouttrace, nil
		}
		if _, ok := probe["resourceSpans"]; ok {
			return FormatOTLP, nil
		}
	}
	return "", errors.New("cannot detect format: input has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

type stdoutContext struct {
	TraceID string `json:"TraceID"`
	SpanID  string `json:"SpanID"`
}

type stdoutAttr struct {
	Key   string `json:"Key"`
	Value struct {
		Type  string `json:"Type"`
		Value any    `json:"Value"`
	} `json:"Value"`
}

type stdoutSpan struct {
	Name        string        `json:"Name"`
	SpanContext stdoutContext `json:"SpanContext"`
	Parent      stdoutContext `json:"Parent"`
	StartTime   time.Time     `json:"StartTime"`
	EndTime     time.Time     `json:"EndTime"`
	Attributes  []stdoutAttr  `json:"Attributes"`
	Links       []struct {
		SpanContext stdoutContext `json:"SpanContext"`
	} `json:"Links"`
	Resource             []stdoutAttr `json:"Resource"`
	InstrumentationScope struct {
		Name string `json:"Name"`
	} `json:"InstrumentationScope"`
}

func parseStdouttrace(data []byte) ([]Span, error) {
	var spans []Span
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var evt stdoutSpan
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		s := Span{
			TraceID:    evt.SpanContext.TraceID,
			SpanID:     evt.SpanContext.SpanID,
			ParentID:   nonZero(evt.Parent.SpanID),
			Service:    evt.InstrumentationScope.Name,
			Name:       evt.Name,
			Start:      evt.StartTime,
			End:        evt.EndTime,
			Attributes: make(map[string]string),
		}
		for _, a := range evt.Resource {
			if a.Key == "service.name" {
				if v, ok := a.Value.Value.(string); ok && v != "" {
					s.Service = v
				}
			}
		}
		if len(evt.Links) > 0 {
			s.LinkedTraceID = nonZero(evt.Links[0].SpanContext.TraceID)
		}
		for _, a := range evt.Attributes {
			s.set(a.Key, fmt.Sprint(a.Value.Value))
		}
		spans = append(spans, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return spans, nil
}

func parseOTLP(data []byte) ([]Span, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parsing OTLP: %w", err)
	}

	var spans []Span
	for _, rs := range req.ResourceSpans {
		service := ""
		for _, a := range rs.Resource.GetAttributes() {
			if a.Key == "service.name" {
				service = a.Value.GetStringValue()
			}
		}
		for _, ss := range rs.ScopeSpans {
			for _, sp := range ss.Spans {
				s := Span{
					TraceID:    hex.EncodeToString(sp.TraceId),
					SpanID:     hex.EncodeToString(sp.SpanId),
					ParentID:   nonZero(hex.EncodeToString(sp.ParentSpanId)),
					Service:    service,
					Name:       sp.Name,
					Start:      time.Unix(0, int64(sp.StartTimeUnixNano)), //nolint:gosec // nanosecond timestamps are always positive
					End:        time.Unix(0, int64(sp.EndTimeUnixNano)),   //nolint:gosec // nanosecond timestamps are always positive
					Attributes: make(map[string]string),
				}
				if s.Service == "" {
					s.Service = ss.Scope.GetName()
				}
				if len(sp.Links) > 0 {
					s.LinkedTraceID = nonZero(hex.EncodeToString(sp.Links[0].TraceId))
				}
				for _, a := range sp.Attributes {
					s.set(a.Key, anyValueString(a.Value))
				}
				spans = append(spans, s)
			}
		}
	}
	return spans, nil
}

func (s *Span) set(key, value string) {
	if !flagAttributes[key] {
		s.Attributes[key] = value
		return
	}
	on, _ := strconv.ParseBool(value)
	switch key {
	case tracing.AttrError:
		s.Error = on
	case tracing.AttrFault:
		s.Fault = on
	case tracing.AttrThrottle:
		s.Throttle = on
	}
}

// nonZero maps an empty or all-zero hex id to "".
func nonZero(id string) string {
	for _, c := range id {
		if c != '0' {
			return id
		}
	}
	return ""
}

func anyValueString(v *commonpb.AnyValue) string {
	switch x := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return x.StringValue
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(x.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(x.DoubleValue, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
