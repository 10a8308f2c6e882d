// Trace tree reconstruction and structural checks
// Spans are grouped by trace and linked to parents by span id
package inspect

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

// Trace is one reconstructed span tree.
type Trace struct {
	TraceID string
	Roots   []*Node
	Nodes   []*Node
}

// Node is a span and its children, ordered by start time.
type Node struct {
	Span     Span
	Children []*Node
}

// Problem is a structural defect found in a trace.
type Problem struct {
	TraceID string
	SpanID  string
	Message string
}

func (p Problem) String() string {
	return fmt.Sprintf("trace %s span %s: %s", p.TraceID, p.SpanID, p.Message)
}

// BuildTraces groups spans into trees ordered by root start time. A span whose
// parent is missing becomes an extra root and is reported as a problem.
func BuildTraces(spans []Span) ([]*Trace, []Problem) {
	byTrace := make(map[string][]Span)
	var order []string
	for _, s := range spans {
		if _, seen := byTrace[s.TraceID]; !seen {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	traces := make([]*Trace, 0, len(order))
	var problems []Problem
	for _, id := range order {
		t, p := buildTrace(id, byTrace[id])
		traces = append(traces, t)
		problems = append(problems, p...)
	}
	slices.SortStableFunc(traces, func(a, b *Trace) int {
		return a.Start().Compare(b.Start())
	})
	return traces, problems
}

func buildTrace(traceID string, spans []Span) (*Trace, []Problem) {
	var problems []Problem
	t := &Trace{TraceID: traceID, Nodes: make([]*Node, 0, len(spans))}
	byID := make(map[string]*Node, len(spans))
	for _, s := range spans {
		if _, dup := byID[s.SpanID]; dup {
			problems = append(problems, Problem{traceID, s.SpanID, "span exported more than once"})
			continue
		}
		if s.End.Before(s.Start) {
			problems = append(problems, Problem{traceID, s.SpanID, fmt.Sprintf("%s ends before it starts", s.Name)})
		}
		n := &Node{Span: s}
		byID[s.SpanID] = n
		t.Nodes = append(t.Nodes, n)
	}

	for _, n := range t.Nodes {
		if n.Span.ParentID == "" {
			t.Roots = append(t.Roots, n)
			continue
		}
		parent, ok := byID[n.Span.ParentID]
		if !ok {
			problems = append(problems, Problem{traceID, n.Span.SpanID,
				fmt.Sprintf("%s has parent %s not found in input", n.Span.Name, n.Span.ParentID)})
			t.Roots = append(t.Roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	byStart := func(a, b *Node) int {
		return cmp.Or(a.Span.Start.Compare(b.Span.Start), cmp.Compare(a.Span.SpanID, b.Span.SpanID))
	}
	slices.SortFunc(t.Roots, byStart)
	for _, n := range t.Nodes {
		slices.SortFunc(n.Children, byStart)
	}
	return t, problems
}

// Start returns the earliest root start time.
func (t *Trace) Start() time.Time {
	if len(t.Roots) == 0 {
		return time.Time{}
	}
	return t.Roots[0].Span.Start
}

// Walk visits every node depth first with its depth.
func (t *Trace) Walk(fn func(n *Node, depth int)) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, r := range t.Roots {
		visit(r, 0)
	}
}
