package loadgen

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RenderSummary writes status and latency tables for a finished run.
func RenderSummary(w io.Writer, s *Stats) {
	_, _ = fmt.Fprintf(w, "%d requests in %dms (%.1f/s), %d transport errors\n\n",
		s.Requests, s.ElapsedMs, s.RequestsPerSec, s.TransportErrors)

	codes := table.NewWriter()
	codes.SetOutputMirror(w)
	codes.SetStyle(table.StyleLight)
	codes.AppendHeader(table.Row{"Status", "Count"})
	for _, code := range slices.Sorted(maps.Keys(s.Statuses)) {
		codes.AppendRow(table.Row{code, s.Statuses[code]})
	}
	codes.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	codes.Render()
	_, _ = fmt.Fprintln(w)

	kinds := table.NewWriter()
	kinds.SetOutputMirror(w)
	kinds.SetStyle(table.StyleLight)
	kinds.AppendHeader(table.Row{"Kind", "Count", "p50", "p95", "p99", "Max", "Slowest trace"})
	for _, k := range s.Kinds {
		kinds.AppendRow(table.Row{k.Kind, k.Count, round(k.P50), round(k.P95), round(k.P99), round(k.Max), k.SlowestTrace})
	}
	configs := make([]table.ColumnConfig, 0, 5)
	for col := 2; col <= 6; col++ {
		configs = append(configs, table.ColumnConfig{Number: col, Align: text.AlignRight})
	}
	kinds.SetColumnConfigs(configs)
	kinds.Render()
}

func round(d time.Duration) time.Duration { return d.Round(10 * time.Microsecond) }
