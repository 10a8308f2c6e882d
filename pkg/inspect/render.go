package inspect

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// annotationKeys are shown next to spans in tree output, in this order.
var annotationKeys = []string{
	"orderId", "customerId", "productId", "quantity", "orderStatus",
	"available", "price", "result", "channel", "scenario",
}

// RenderSummary writes the per-operation table and any structural problems.
func RenderSummary(w io.Writer, s Summary) {
	_, _ = fmt.Fprintf(w, "%d spans in %d traces\n\n", s.Spans, s.Traces)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Service", "Operation", "Count", "p50", "p95", "p99", "Max", "Error", "Fault", "Throttle"})
	for _, op := range s.Ops {
		t.AppendRow(table.Row{
			op.Service, op.Operation, op.Count,
			roundDuration(op.P50), roundDuration(op.P95), roundDuration(op.P99), roundDuration(op.Max),
			op.Errors, op.Faults, op.Throttles,
		})
	}
	configs := make([]table.ColumnConfig, 0, 8)
	for col := 3; col <= 10; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight})
	}
	t.SetColumnConfigs(configs)
	t.Render()

	if len(s.Problems) == 0 {
		_, _ = fmt.Fprintln(w, "\nNo structural problems found")
		return
	}
	_, _ = fmt.Fprintf(w, "\n%d structural problems:\n", len(s.Problems))
	for _, p := range s.Problems {
		_, _ = fmt.Fprintf(w, "  %s\n", p)
	}
}

// RenderTrees writes each trace as an indented tree with annotations and flags.
func RenderTrees(w io.Writer, traces []*Trace) {
	for _, tr := range traces {
		l := list.NewWriter()
		l.SetStyle(list.StyleConnectedLight)
		depth := 0
		tr.Walk(func(n *Node, d int) {
			for ; depth < d; depth++ {
				l.Indent()
			}
			for ; depth > d; depth-- {
				l.UnIndent()
			}
			l.AppendItem(describe(n.Span))
		})
		_, _ = fmt.Fprintf(w, "trace %s\n%s\n\n", tr.TraceID, l.Render())
	}
}

func describe(s Span) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s)", s.Service, s.Name, roundDuration(s.Duration()))
	if s.Error {
		b.WriteString(" ERROR")
	}
	if s.Fault {
		b.WriteString(" FAULT")
	}
	if s.Throttle {
		b.WriteString(" THROTTLE")
	}
	var ann []string
	for _, k := range annotationKeys {
		if v, ok := s.Attributes[k]; ok {
			ann = append(ann, k+"="+v)
		}
	}
	if len(ann) > 0 {
		b.WriteString(" [" + strings.Join(ann, " ") + "]")
	}
	if s.LinkedTraceID != "" {
		b.WriteString(" linked from " + s.LinkedTraceID)
	}
	return b.String()
}

// Services returns the distinct service names across traces.
func Services(traces []*Trace) []string {
	set := make(map[string]bool)
	for _, t := range traces {
		for _, n := range t.Nodes {
			set[n.Span.Service] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}
