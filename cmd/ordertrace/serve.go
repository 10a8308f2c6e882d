package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrewh/ordertrace/pkg/api"
	"github.com/andrewh/ordertrace/pkg/catalog"
	"github.com/andrewh/ordertrace/pkg/config"
	"github.com/andrewh/ordertrace/pkg/faults"
	"github.com/andrewh/ordertrace/pkg/inventory"
	"github.com/andrewh/ordertrace/pkg/invoke"
	"github.com/andrewh/ordertrace/pkg/notification"
	"github.com/andrewh/ordertrace/pkg/orders"
	"github.com/andrewh/ordertrace/pkg/store"
	"github.com/andrewh/ordertrace/pkg/telemetry"
	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/grafana/pyroscope-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const readHeaderTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order API with inventory and notification functions",
		Long: "Run the order API with inventory and notification functions.\n\n" +
			"Every flag can also be set with an ORDERTRACE_ environment variable\n" +
			"(e.g. ORDERTRACE_QUEUE_SIZE) or in the file given by --config.\n" +
			"Flags take precedence over the environment, which takes precedence over the file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
		},
	}

	config.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&configFile, "config", "", "YAML, JSON or TOML file with serve settings")
	return cmd
}

// app is a fully wired ordertrace process minus its listener.
type app struct {
	handler    http.Handler
	logger     *logrus.Logger
	store      store.Store
	dispatcher *invoke.Dispatcher
	query      *orders.Query
	providers  *telemetry.Providers
	profiler   *pyroscope.Profiler
}

func newApp(ctx context.Context, cfg config.Serve, stdout, stderr io.Writer) (_ *app, err error) {
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	signals, err := telemetry.ParseSignals(cfg.Signals)
	if err != nil {
		return nil, err
	}
	if len(signals) > 0 && !cfg.Stdout {
		if err := telemetry.CheckEndpoint(cfg.Endpoint, cfg.Protocol); err != nil {
			return nil, err
		}
	}

	cat, err := loadCatalog(cfg.Catalog)
	if err != nil {
		return nil, err
	}

	a.providers, err = telemetry.Setup(ctx, telemetry.Options{
		Endpoint: cfg.Endpoint,
		Protocol: cfg.Protocol,
		Stdout:   cfg.Stdout,
		Writer:   stdout,
		Signals:  signals,
		Version:  version,
		Logger:   logger,
	}, telemetry.Services)
	if err != nil {
		return nil, err
	}

	recorder := tracing.NewRecorder(cfg.SpanBuffer)
	tracers := make(map[string]*tracing.Tracer, len(telemetry.Services))
	for _, svc := range telemetry.Services {
		if tracers[svc], err = a.providers.Tracer(svc, cfg.SlowThreshold, recorder); err != nil {
			return nil, err
		}
	}

	a.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.dispatcher = invoke.NewDispatcher(cfg.Workers, cfg.QueueSize, logger)

	src := seededSource(cfg.Seed)
	registry := invoke.NewRegistry()
	registry.Register(inventory.FunctionName, inventory.New(tracers[telemetry.ServiceInventory], cat, src).Handle)
	registry.Register(notification.FunctionName, notification.New(tracers[telemetry.ServiceNotification], cat, src).Handle)

	router := &invoke.Router{Default: invoke.NewLocalInvoker(registry, a.dispatcher), Routes: map[string]invoke.Invoker{}}
	if cfg.InventoryURL != "" {
		router.Routes[inventory.FunctionName] = invoke.NewHTTPInvoker(cfg.InventoryURL, cfg.InvokeTimeout)
	}
	if cfg.NotificationURL != "" {
		router.Routes[notification.FunctionName] = invoke.NewHTTPInvoker(cfg.NotificationURL, cfg.InvokeTimeout)
	}

	apiTracer := tracers[telemetry.ServiceOrdersAPI]
	orch := orders.NewOrchestrator(apiTracer, router, a.store, logger)
	a.query, err = orders.NewQuery(tracers[telemetry.ServiceOrderQuery], a.store, cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	a.handler, err = api.New(api.Config{
		Tracer:       apiTracer,
		Orchestrator: orch,
		Query:        a.query,
		Functions:    &invoke.FunctionHandler{Registry: registry, Dispatcher: a.dispatcher, Logger: logger},
		Dispatcher:   a.dispatcher,
		Recorder:     recorder,
		Logger:       logger,
		Version:      version,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Pyroscope != "" {
		a.profiler, err = pyroscope.Start(pyroscope.Config{
			ApplicationName: "ordertrace",
			ServerAddress:   cfg.Pyroscope,
			Logger:          logger,
			Tags:            map[string]string{"version": version},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseSpace,
				pyroscope.ProfileGoroutines,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("starting profiler: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"store":        cfg.Store,
		"products":     len(cat.Products),
		"workers":      cfg.Workers,
		"signals":      cfg.Signals,
		"inventory":    remoteOrLocal(cfg.InventoryURL),
		"notification": remoteOrLocal(cfg.NotificationURL),
	}).Info("ordertrace wired")
	return a, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	var (
		cat *catalog.Catalog
		err error
	)
	if path == "" {
		cat, err = catalog.Default()
	} else {
		cat, err = catalog.LoadCatalog(path)
	}
	if err != nil {
		return nil, err
	}
	if err := catalog.ValidateCatalog(cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func seededSource(seed uint64) *faults.LockedSource {
	if seed == 0 {
		return faults.NewSeededSource(rand.Uint64(), rand.Uint64()) //nolint:gosec // fault simulation, not security-sensitive
	}
	return faults.NewSeededSource(seed, 0)
}

func remoteOrLocal(url string) string {
	if url == "" {
		return "local"
	}
	return url
}

// close drains queued invocations, then releases the store and flushes telemetry.
func (a *app) close(ctx context.Context) {
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("queued invocations abandoned")
		}
	}
	if a.query != nil {
		a.query.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("closing store")
		}
	}
	if a.profiler != nil {
		if err := a.profiler.Stop(); err != nil {
			a.logger.WithError(err).Warn("stopping profiler")
		}
	}
	if a.providers != nil {
		a.providers.Shutdown()
	}
}

// runServe serves until ctx is cancelled. When ready is non-nil it receives
// the bound address once the listener is open.
func runServe(ctx context.Context, cfg config.Serve, stdout, stderr io.Writer, ready chan<- string) error {
	a, err := newApp(ctx, cfg, stdout, stderr)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listening on %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	a.logger.WithField("addr", ln.Addr().String()).Info("listening")
	if ready != nil {
		ready <- ln.Addr().String()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-served:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("http shutdown")
	}
	a.close(shutdownCtx)
	a.logger.Info("stopped")

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}
