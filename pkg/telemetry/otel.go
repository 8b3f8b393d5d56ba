package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

const instrumentationPrefix = "github.com/polisai/polis-mta/"

// Telemetry defaults.
const (
	DefaultServiceName    = "polis-mta"
	DefaultMetricInterval = time.Minute
	dialTimeout           = 10 * time.Second
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Hostname is recorded as host.name on every span and metric.
	Hostname string
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// SampleRatio is the fraction of new traces recorded, in (0, 1]; zero
	// selects 1. Spans with a sampled parent are always recorded.
	SampleRatio float64
	// Metrics enables OTLP export of the traffic counters.
	Metrics        bool
	MetricInterval time.Duration
	ResourceTags   map[string]string
}

// ConfigFromSection reads process.telemetry {endpoint, insecure, headers,
// sample_ratio, service_name, metrics, metric_interval}. The older
// process.otlp_endpoint and process.otlp_insecure keys are honoured when
// the telemetry section leaves them unset.
func ConfigFromSection(process *config.Section) (Config, error) {
	sec := process.Section("telemetry")
	cfg := Config{
		ServiceName: sec.String("service_name", DefaultServiceName),
		Endpoint:    sec.String("endpoint", process.String("otlp_endpoint", "")),
	}

	legacyInsecure, err := process.Bool("otlp_insecure", false)
	if err != nil {
		return Config{}, err
	}
	if cfg.Insecure, err = sec.Bool("insecure", legacyInsecure); err != nil {
		return Config{}, err
	}
	if cfg.SampleRatio, err = sec.Float("sample_ratio", 1); err != nil {
		return Config{}, err
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		return Config{}, domain.ConfigErrorf(sec.Path(), "sample_ratio", "must be in (0, 1], got %v", cfg.SampleRatio)
	}
	if cfg.Metrics, err = sec.Bool("metrics", false); err != nil {
		return Config{}, err
	}
	interval, err := sec.Float("metric_interval", DefaultMetricInterval.Seconds())
	if err != nil {
		return Config{}, err
	}
	if interval <= 0 {
		return Config{}, domain.ConfigErrorf(sec.Path(), "metric_interval", "must be positive, got %v", interval)
	}
	cfg.MetricInterval = time.Duration(interval * float64(time.Second))

	if headers := sec.Section("headers"); headers != nil {
		cfg.Headers = make(map[string]string, headers.Len())
		for _, k := range headers.Keys() {
			cfg.Headers[k] = headers.String(k, "")
		}
	}
	return cfg, nil
}

// Option adjusts Setup, mostly to replace the OTLP exporters in tests.
type Option func(*setupOptions)

type setupOptions struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// WithSpanExporter exports spans synchronously to exp instead of OTLP.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *setupOptions) { o.spanExporter = exp }
}

// WithMetricReader collects metrics through r instead of a periodic OTLP
// export.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *setupOptions) { o.metricReader = r }
}

// Providers are the SDK providers installed by Setup.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Shutdown flushes buffered spans and metrics. It is a no-op when Setup
// installed nothing.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
	}
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Setup installs the process-wide tracer provider, and the meter provider
// when metric export is enabled. Without an endpoint or an injected
// exporter nothing is installed and the instrumentation stays no-op. The
// W3C trace-context propagator is installed in every case so the HTTP edge
// joins traces started by its callers.
func Setup(ctx context.Context, cfg Config, opts ...Option) (*Providers, error) {
	var o setupOptions
	for _, opt := range opts {
		opt(&o)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	tracing := cfg.Endpoint != "" || o.spanExporter != nil
	metrics := (cfg.Endpoint != "" && cfg.Metrics) || o.metricReader != nil
	if !tracing && !metrics {
		return &Providers{}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &Providers{}
	if tracing {
		if p.Tracer, err = newTracerProvider(ctx, cfg, o, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(p.Tracer)
	}
	if metrics {
		if p.Meter, err = newMeterProvider(ctx, cfg, o, res); err != nil {
			return nil, errors.Join(err, p.Shutdown(ctx))
		}
		otel.SetMeterProvider(p.Meter)
	}
	return p, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(fmt.Sprintf("%s/%d", hostname, os.Getpid())),
	}
	if hostname != "" {
		attrs = append(attrs, semconv.HostName(hostname))
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg Config, o setupOptions, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))

	if o.spanExporter != nil {
		return sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(o.spanExporter),
			sdktrace.WithSampler(sampler),
			sdktrace.WithResource(res),
		), nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, cfg Config, o setupOptions, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader := o.metricReader
	if reader == nil {
		clientOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlpmetricgrpc.WithInsecure())
		} else {
			clientOpts = append(clientOpts, otlpmetricgrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if len(cfg.Headers) > 0 {
			clientOpts = append(clientOpts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		exporter, err := otlpmetricgrpc.New(dialCtx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = DefaultMetricInterval
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	), nil
}

// Tracer returns the tracer for one of the module's packages, e.g. "edge".
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}
