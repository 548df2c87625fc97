package otel

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key= abc ,tenant=synth")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	s, err := SettingsFromEnv("synthd", "staging")
	if err != nil {
		t.Fatalf("settings from env: %v", err)
	}
	if s.Endpoint != "collector:4318" || s.Insecure {
		t.Fatalf("unexpected exporter settings %+v", s)
	}
	if s.SampleRatio != 0.25 {
		t.Fatalf("unexpected sample ratio %v", s.SampleRatio)
	}
	if len(s.Headers) != 2 || s.Headers["api-key"] != "abc" || s.Headers["tenant"] != "synth" {
		t.Fatalf("unexpected headers %v", s.Headers)
	}
}

func TestSettingsFromEnvDefaults(t *testing.T) {
	s, err := SettingsFromEnv("synthd", "")
	if err != nil {
		t.Fatalf("settings from env: %v", err)
	}
	if s.Endpoint != defaultEndpoint || !s.Insecure || s.Disabled {
		t.Fatalf("unexpected defaults %+v", s)
	}
}

func TestSettingsFromEnvRejectsMalformedValues(t *testing.T) {
	cases := map[string][2]string{
		"insecure": {"OTEL_EXPORTER_OTLP_INSECURE", "sometimes"},
		"headers":  {"OTEL_EXPORTER_OTLP_HEADERS", "api-key=abc,broken"},
		"ratio":    {"OTEL_TRACES_SAMPLER_ARG", "1.5"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := SettingsFromEnv("synthd", ""); err == nil {
				t.Fatalf("expected %s=%q to be rejected", kv[0], kv[1])
			}
		})
	}
	if _, err := SettingsFromEnv(" ", ""); err == nil {
		t.Fatalf("expected empty service name to be rejected")
	}
}

func TestSampler(t *testing.T) {
	if got := (Settings{}).sampler().Description(); !strings.HasPrefix(got, "ParentBased{root:AlwaysOnSampler,") {
		t.Fatalf("unexpected default sampler %s", got)
	}
	if got := (Settings{SampleRatio: 0.5}).sampler().Description(); !strings.HasPrefix(got, "ParentBased{root:TraceIDRatioBased{0.5}") {
		t.Fatalf("expected ratio sampler, got %s", got)
	}
}

func TestStartDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	p, err := Start(context.Background(), Settings{Service: "synthd", Disabled: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled pipeline replaced the tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	var nilPipeline *Pipeline
	if err := nilPipeline.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestStartInstallsProviders(t *testing.T) {
	p, err := Start(context.Background(), Settings{Service: "synthd", Environment: "test", Endpoint: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.traces == nil || p.metrics == nil {
		t.Fatalf("expected trace and metric providers")
	}
	if otel.GetTracerProvider() != p.traces {
		t.Fatalf("expected global tracer provider to be installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = p.Shutdown(ctx)
}
