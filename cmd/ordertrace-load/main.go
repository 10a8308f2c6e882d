// Load generator for the ordertrace order API
// Sends a weighted mix of create, get and list requests at a shaped rate
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/config"
	"github.com/andrewh/ordertrace/pkg/loadgen"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
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
		Use:          "ordertrace-load",
		Short:        "Load generator for the ordertrace order API",
		SilenceUsage: true,
	}

	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(versionCmd())

	return root
}

type runOptions struct {
	target      string
	duration    time.Duration
	rate        string
	pattern     string
	concurrency int
	maxRequests int
	seed        uint64
	jsonOut     bool
	logLevel    string
}

func runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [profile.yaml]",
		Short: "Send requests to a running ordertrace server",
		Long: "Send requests to a running ordertrace server.\n\n" +
			"Without a profile the built-in mix is used. Flags override the profile.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(args, cmd.Flags(), opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runLoad(ctx, profile, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.target, "target", "", "base URL of the ordertrace server (default from profile)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "run duration, e.g. 30s or 5m (default from profile)")
	cmd.Flags().StringVar(&opts.rate, "rate", "", "request rate, e.g. 20/s (default from profile)")
	cmd.Flags().StringVar(&opts.pattern, "pattern", "", "traffic pattern: uniform, poisson, bursty or diurnal")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "maximum requests in flight (default from profile)")
	cmd.Flags().IntVar(&opts.maxRequests, "max-requests", 0, "stop after this many requests (0 = no limit)")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "random seed for reproducible request mixes (0 = random)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print the run summary as JSON")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	return cmd
}

// resolveProfile loads the profile and applies flags the user set.
func resolveProfile(args []string, flags *pflag.FlagSet, opts runOptions) (loadgen.Profile, error) {
	profile := loadgen.DefaultProfile()
	if len(args) == 1 {
		var err error
		if profile, err = loadgen.LoadProfile(args[0]); err != nil {
			return loadgen.Profile{}, err
		}
	}
	if flags.Changed("target") {
		profile.Target = opts.target
	}
	if flags.Changed("duration") {
		profile.Duration = opts.duration.String()
	}
	if flags.Changed("rate") {
		profile.Traffic.Rate = opts.rate
	}
	if flags.Changed("pattern") {
		profile.Traffic.Pattern = opts.pattern
	}
	if flags.Changed("concurrency") {
		profile.Concurrency = opts.concurrency
	}
	if err := profile.Validate(); err != nil {
		return loadgen.Profile{}, err
	}
	return profile, nil
}

func runLoad(ctx context.Context, profile loadgen.Profile, opts runOptions, stdout, stderr io.Writer) error {
	logger, err := config.NewLogger(stderr, opts.logLevel, "text")
	if err != nil {
		return err
	}
	pattern, err := loadgen.NewPattern(profile.Traffic)
	if err != nil {
		return err
	}
	duration, err := profile.RunDuration()
	if err != nil {
		return err
	}

	seed1, seed2 := opts.seed, uint64(0)
	if opts.seed == 0 {
		seed1, seed2 = rand.Uint64(), rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed1, seed2)) //nolint:gosec // load shaping, not security-sensitive

	runner := &loadgen.Runner{
		Client:      &http.Client{Timeout: 30 * time.Second},
		Target:      profile.Target,
		Pattern:     pattern,
		Generator:   loadgen.NewGenerator(profile, rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))), //nolint:gosec // load shaping, not security-sensitive
		Rng:         rng,
		Concurrency: profile.Concurrency,
		Duration:    duration,
		MaxRequests: opts.maxRequests,
		Logger:      logger,
	}
	stats, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	loadgen.RenderSummary(stdout, stats)
	return nil
}

func validateCmd() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "validate <profile.yaml>",
		Short: "Parse and validate a load profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := loadgen.LoadProfile(args[0])
			if err != nil {
				return err
			}
			if err := profile.Validate(); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "Profile valid: %s %s for %s against %s\n",
				valueOr(profile.Traffic.Pattern, loadgen.PatternUniform), profile.Traffic.Rate, profile.Duration, profile.Target)

			cat, err := catalog.Default()
			if catalogPath != "" {
				cat, err = catalog.LoadCatalog(catalogPath)
			}
			if err != nil {
				return err
			}
			for _, id := range profile.UnknownProducts(cat) {
				_, _ = fmt.Fprintf(w, "Warning: %s is not in the catalog and will be priced as the default product\n", id)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog to check product ids against (default: built-in catalog)")
	return cmd
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ordertrace-load %s (commit: %s, built: %s)\n", version, commit, buildTime)
		},
	}
}
