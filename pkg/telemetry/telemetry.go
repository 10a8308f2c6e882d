// OpenTelemetry provider setup: one trace, metric and log provider per simulated service
// Providers within each signal share a single exporter so every service reaches the same backend
package telemetry

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andrewh/ordertrace/pkg/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Service names used as service.name on each provider's resource.
const (
	ServiceOrdersAPI    = "orders-api"
	ServiceInventory    = "inventory"
	ServiceNotification = "notification"
	ServiceOrderQuery   = "order-query"
)

// Services lists every service a single ordertrace process can host.
var Services = []string{ServiceOrdersAPI, ServiceInventory, ServiceNotification, ServiceOrderQuery}

const (
	instrumentationName = "github.com/andrewh/ordertrace"
	shutdownTimeout     = 5 * time.Second
	connectCheckTimeout = 2 * time.Second
	defaultHTTPPort     = "4318"
	defaultGRPCPort     = "4317"
)

// Options selects exporters for the providers.
type Options struct {
	Endpoint string
	Protocol string
	Stdout   bool
	// Writer receives stdout exports; defaults to os.Stdout.
	Writer  io.Writer
	Signals map[string]bool
	Version string
	Logger  logrus.FieldLogger
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

// ValidateProtocol rejects OTLP protocols other than http/protobuf and grpc.
func ValidateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

// ParseSignals parses a comma-separated list of traces, metrics and logs.
// An empty list disables export entirely.
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// CheckEndpoint dials the collector so a missing one fails fast at startup.
func CheckEndpoint(endpoint, protocol string) error {
	port := defaultHTTPPort
	if protocol == "grpc" {
		port = defaultGRPCPort
	}
	host := endpoint
	if host == "" {
		host = "localhost:" + port
	} else if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", host, connectCheckTimeout)
	if err != nil {
		return fmt.Errorf("cannot reach OTLP collector at %s\n\n"+
			"To emit signals as JSON to the terminal, use --stdout\n"+
			"To run without exporting, use --signals \"\"", host)
	}
	_ = conn.Close()
	return nil
}

// Resources builds one resource per service carrying service.name and the build version.
func Resources(version string, services []string) (map[string]*resource.Resource, error) {
	base, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("ordertrace.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}
	out := make(map[string]*resource.Resource, len(services))
	for _, name := range services {
		res, err := resource.Merge(base, resource.NewSchemaless(attribute.String("service.name", name)))
		if err != nil {
			return nil, fmt.Errorf("creating resource for service %s: %w", name, err)
		}
		out[name] = res
	}
	return out, nil
}

// Providers holds the per-service telemetry providers.
type Providers struct {
	Traces  map[string]*sdktrace.TracerProvider
	Meters  map[string]metric.Meter
	Loggers map[string]log.Logger

	shutdowns []func(context.Context)
}

// Setup creates providers for services. Traces are always recorded so span
// observers run; they are only exported when the traces signal is enabled.
func Setup(ctx context.Context, opts Options, services []string) (*Providers, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Protocol == "" {
		opts.Protocol = "http/protobuf"
	}
	if err := ValidateProtocol(opts.Protocol); err != nil {
		return nil, err
	}
	resources, err := Resources(opts.Version, services)
	if err != nil {
		return nil, err
	}

	p := &Providers{}
	if err := p.createTraceProviders(ctx, opts, resources); err != nil {
		p.Shutdown()
		return nil, fmt.Errorf("creating trace providers: %w", err)
	}
	if opts.Signals["metrics"] {
		if err := p.createMetricProviders(ctx, opts, resources); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("creating metric providers: %w", err)
		}
	}
	if opts.Signals["logs"] {
		if err := p.createLogProviders(ctx, opts, resources); err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("creating log providers: %w", err)
		}
	}
	return p, nil
}

// Tracer builds the span tracer for service, attaching the metric and log
// observers for whichever signals are enabled plus any extra observers.
func (p *Providers) Tracer(service string, slowThreshold time.Duration, extra ...tracing.SpanObserver) (*tracing.Tracer, error) {
	tp, ok := p.Traces[service]
	if !ok {
		return nil, fmt.Errorf("no tracer provider for service %q", service)
	}
	observers := slices.Clone(extra)
	if meter, ok := p.Meters[service]; ok {
		obs, err := tracing.NewMetricObserver(meter)
		if err != nil {
			return nil, fmt.Errorf("creating metric observer for %s: %w", service, err)
		}
		observers = append(observers, obs)
	}
	if logger, ok := p.Loggers[service]; ok {
		observers = append(observers, tracing.NewLogObserver(logger, slowThreshold))
	}
	return tracing.NewTracer(tp, service, tracing.WithObservers(observers...)), nil
}

// Shutdown flushes and closes every provider within a bounded timeout.
// Traces are flushed first so span-derived metrics and logs follow them.
func (p *Providers) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, fn := range p.shutdowns {
		fn(ctx)
	}
	p.shutdowns = nil
}

func (p *Providers) createTraceProviders(ctx context.Context, opts Options, resources map[string]*resource.Resource) error {
	p.Traces = make(map[string]*sdktrace.TracerProvider, len(resources))

	var sp sdktrace.SpanProcessor
	if opts.Signals["traces"] {
		exporter, err := createTraceExporter(ctx, opts)
		if err != nil {
			return err
		}
		if opts.Stdout {
			sp = sdktrace.NewSimpleSpanProcessor(exporter)
		} else {
			sp = sdktrace.NewBatchSpanProcessor(exporter)
		}
	}

	for name, res := range resources {
		tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		if sp != nil {
			tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
		}
		p.Traces[name] = sdktrace.NewTracerProvider(tpOpts...)
	}

	p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
		shutdownAll(ctx, opts.Logger, slices.Collect(maps.Values(p.Traces)), "tracer provider")
	})
	return nil
}

func createTraceExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	if opts.Stdout {
		return stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	}
}

// sharedMetricExporter ignores Shutdown so several periodic readers can share
// one exporter; the real exporter is closed after every provider has drained.
type sharedMetricExporter struct {
	sdkmetric.Exporter
}

func (e *sharedMetricExporter) Shutdown(context.Context) error { return nil }

func (p *Providers) createMetricProviders(ctx context.Context, opts Options, resources map[string]*resource.Resource) error {
	exporter, err := createMetricExporter(ctx, opts)
	if err != nil {
		return err
	}

	shared := &sharedMetricExporter{exporter}
	providers := make([]*sdkmetric.MeterProvider, 0, len(resources))
	p.Meters = make(map[string]metric.Meter, len(resources))
	for name, res := range resources {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(shared)),
			sdkmetric.WithResource(res),
		)
		providers = append(providers, mp)
		p.Meters[name] = mp.Meter(instrumentationName)
	}

	p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
		shutdownAll(ctx, opts.Logger, providers, "meter provider")
		if err := exporter.Shutdown(ctx); err != nil {
			opts.Logger.WithError(err).Warn("error shutting down metric exporter")
		}
	})
	return nil
}

func createMetricExporter(ctx context.Context, opts Options) (sdkmetric.Exporter, error) {
	if opts.Stdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlpmetricgrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlpmetrichttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	}
}

func (p *Providers) createLogProviders(ctx context.Context, opts Options, resources map[string]*resource.Resource) error {
	exporter, err := createLogExporter(ctx, opts)
	if err != nil {
		return err
	}

	var processor sdklog.Processor
	if opts.Stdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}

	providers := make([]*sdklog.LoggerProvider, 0, len(resources))
	p.Loggers = make(map[string]log.Logger, len(resources))
	for name, res := range resources {
		lp := sdklog.NewLoggerProvider(
			sdklog.WithProcessor(processor),
			sdklog.WithResource(res),
		)
		providers = append(providers, lp)
		p.Loggers[name] = lp.Logger(instrumentationName)
	}

	p.shutdowns = append(p.shutdowns, func(ctx context.Context) {
		shutdownAll(ctx, opts.Logger, providers, "logger provider")
	})
	return nil
}

func createLogExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	if opts.Stdout {
		return stdoutlog.New(stdoutlog.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlploggrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(opts.Endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlploghttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(opts.Endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	}
}

type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts items down concurrently; a slow item does not block the others.
func shutdownAll[S shutdownable](ctx context.Context, logger logrus.FieldLogger, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				logger.WithError(err).Warnf("error shutting down %s", label)
			}
		})
	}
	wg.Wait()
}
