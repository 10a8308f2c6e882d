// Per-operation latency percentiles and outcome counts
package inspect

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// OpStats summarises every span of one (service, operation) pair.
type OpStats struct {
	Service   string
	Operation string
	Count     int
	Errors    int
	Faults    int
	Throttles int
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Max       time.Duration
}

// Summary is the result of inspecting a span export.
type Summary struct {
	Spans    int
	Traces   int
	Ops      []OpStats
	Problems []Problem
}

// Summarise computes per-operation statistics over traces, ordered by service
// then operation.
func Summarise(traces []*Trace, problems []Problem) Summary {
	type key struct{ service, op string }
	durations := make(map[key][]time.Duration)
	stats := make(map[key]*OpStats)
	spans := 0

	for _, t := range traces {
		for _, n := range t.Nodes {
			spans++
			k := key{n.Span.Service, n.Span.Name}
			st, ok := stats[k]
			if !ok {
				st = &OpStats{Service: k.service, Operation: k.op}
				stats[k] = st
			}
			st.Count++
			if n.Span.Error {
				st.Errors++
			}
			if n.Span.Fault {
				st.Faults++
			}
			if n.Span.Throttle {
				st.Throttles++
			}
			durations[k] = append(durations[k], n.Span.Duration())
		}
	}

	ops := make([]OpStats, 0, len(stats))
	for k, st := range stats {
		d := durations[k]
		slices.Sort(d)
		st.P50 = Percentile(d, 50)
		st.P95 = Percentile(d, 95)
		st.P99 = Percentile(d, 99)
		st.Max = d[len(d)-1]
		ops = append(ops, *st)
	}
	slices.SortFunc(ops, func(a, b OpStats) int {
		return cmp.Or(cmp.Compare(a.Service, b.Service), cmp.Compare(a.Operation, b.Operation))
	})
	return Summary{Spans: spans, Traces: len(traces), Ops: ops, Problems: problems}
}

// Percentile returns the nearest-rank p-th percentile of sorted durations.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// roundDuration rounds d to a readable precision.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(10 * time.Millisecond)
	case d >= 10*time.Millisecond:
		return d.Round(100 * time.Microsecond)
	case d >= time.Millisecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}
