// Package otel installs the OpenTelemetry trace and metric pipelines that the
// coordinator spans and otelhttp middleware report through.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	defaultEndpoint = "localhost:4318"
	serviceFamily   = "synth"

	spanFlushInterval    = 2 * time.Second
	spanBatchSize        = 512
	metricExportInterval = 15 * time.Second
)

// Settings selects where synthd exports telemetry. Exporter fields follow the
// standard OTEL_* variables.
type Settings struct {
	Service     string
	Environment string

	Endpoint    string            `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool              `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	Headers     map[string]string `env:"OTEL_EXPORTER_OTLP_HEADERS" envKeyValSeparator:"="`
	SampleRatio float64           `env:"OTEL_TRACES_SAMPLER_ARG"`
	Disabled    bool              `env:"OTEL_SDK_DISABLED"`
}

// SettingsFromEnv reads exporter settings for service from the environment.
// Malformed values are reported rather than ignored.
func SettingsFromEnv(service, environment string) (Settings, error) {
	s := Settings{Service: service, Environment: environment}
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("telemetry environment: %w", err)
	}
	return s.normalise()
}

func (s Settings) normalise() (Settings, error) {
	s.Service = strings.TrimSpace(s.Service)
	if s.Service == "" {
		return s, errors.New("telemetry: service name required")
	}
	if s.SampleRatio < 0 || s.SampleRatio > 1 {
		return s, fmt.Errorf("telemetry: sample ratio %v outside [0, 1]", s.SampleRatio)
	}
	if s.Endpoint = strings.TrimSpace(s.Endpoint); s.Endpoint == "" {
		s.Endpoint = defaultEndpoint
	}
	headers := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		if k = strings.TrimSpace(k); k != "" {
			headers[k] = strings.TrimSpace(v)
		}
	}
	s.Headers = headers
	return s, nil
}

// Pipeline holds the providers installed by Start.
type Pipeline struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Start installs global trace and meter providers for s. The W3C propagators
// are installed even when export is disabled so inbound trace context still
// reaches coordinator spans.
func Start(ctx context.Context, s Settings) (*Pipeline, error) {
	s, err := s.normalise()
	if err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if s.Disabled {
		return &Pipeline{}, nil
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(s.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	traces, err := s.tracerProvider(ctx, res)
	if err != nil {
		return nil, err
	}
	metrics, err := s.meterProvider(ctx, res)
	if err != nil {
		_ = traces.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(traces)
	otel.SetMeterProvider(metrics)
	return &Pipeline{traces: traces, metrics: metrics}, nil
}

// Shutdown flushes metrics, then spans. A nil or disabled pipeline is a no-op.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.metrics != nil {
		errs = append(errs, p.metrics.Shutdown(ctx))
	}
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (s Settings) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(s.Service), semconv.ServiceNamespace(serviceFamily)}
	if s.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(s.Environment))
	}
	return attrs
}

// sampler keeps every root span unless a ratio below one is configured.
func (s Settings) sampler() sdktrace.Sampler {
	if s.SampleRatio == 0 || s.SampleRatio == 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))
}

func hasScheme(endpoint string) bool { return strings.Contains(endpoint, "://") }

func (s Settings) tracerProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	if hasScheme(s.Endpoint) {
		opts = append(opts, otlptracehttp.WithEndpointURL(s.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(s.Endpoint))
		if s.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	if len(s.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry span exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(s.sampler()),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(spanFlushInterval),
			sdktrace.WithMaxExportBatchSize(spanBatchSize)),
	), nil
}

func (s Settings) meterProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var opts []otlpmetrichttp.Option
	if hasScheme(s.Endpoint) {
		opts = append(opts, otlpmetrichttp.WithEndpointURL(s.Endpoint))
	} else {
		opts = append(opts, otlpmetrichttp.WithEndpoint(s.Endpoint))
		if s.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
	}
	if len(s.Headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(s.Headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricExportInterval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}
