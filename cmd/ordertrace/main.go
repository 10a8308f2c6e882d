// Traced order-processing service and its tooling
// Serves the order API and inspects the traces it exports
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/inspect"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ordertrace",
		Short:        "Traced order-processing service",
		SilenceUsage: true,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(versionCmd())

	return root
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Parse and validate a product catalog (default: the built-in catalog)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			cat, err := loadCatalog(path)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Catalog valid: %d products\n", len(cat.Products))
			renderCatalog(w, cat)
			return nil
		},
	}
}

func renderCatalog(w io.Writer, cat *catalog.Catalog) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Product", "Name", "Price", "Stock", "Latency", "Faults"})
	row := func(p catalog.Product) table.Row {
		var branches []string
		for _, b := range p.Faults {
			branches = append(branches, fmt.Sprintf("%s %.0f%%", b.Name, b.Probability*100))
		}
		return table.Row{p.ID, p.Name, p.UnitPrice.StringFixed(2), p.Stock, p.Latency, strings.Join(branches, ", ")}
	}
	for _, p := range cat.Products {
		t.AppendRow(row(p))
	}
	def := cat.Default
	def.ID = "(default)"
	t.AppendFooter(row(def))
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})
	t.Render()
}

func inspectCmd() *cobra.Command {
	var (
		format string
		trees  bool
	)

	cmd := &cobra.Command{
		Use:   "inspect <spans.json | ->",
		Short: "Summarise exported spans and check trace structure",
		Long: "Summarise exported spans and check trace structure.\n\n" +
			"Reads the output of serve --stdout (stdouttrace) or an OTLP JSON export\n" +
			"and prints per-operation latency with error, fault and throttle counts.\n" +
			"Exits non-zero when a span ends before it starts, is exported twice\n" +
			"or references a parent that is missing from the input.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("missing span file\n\nUsage: ordertrace inspect <spans.json | ->")
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			spans, err := inspect.ParseSpans(in, inspect.Format(format))
			if err != nil {
				return err
			}
			traces, problems := inspect.BuildTraces(spans)
			w := cmd.OutOrStdout()
			if trees {
				inspect.RenderTrees(w, traces)
			}
			inspect.RenderSummary(w, inspect.Summarise(traces, problems))
			if len(problems) > 0 {
				return fmt.Errorf("%d structural problems found", len(problems))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(inspect.FormatAuto), "input format: auto, stdouttrace or otlp")
	cmd.Flags().BoolVar(&trees, "trees", false, "print every trace as an annotated tree")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ordertrace %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
