// Package otel wires OpenTelemetry tracing and metrics for maxsats cycles.
// It is off unless enabled; when off every tracer and meter is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "maxsats"
	MeterName  = "maxsats"

	ExporterStdout   = "stdout"
	ExporterFile     = "file"
	ExporterOTLPHTTP = "otlp-http"
	ExporterNone     = "none"
)

// Version is reported as service.version. cmd/maxsats overwrites it with
// the build version.
var Version = "dev"

// Config holds OTel configuration. Endpoint is a host:port for otlp-http
// and a file path for the file exporter.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// Init builds a Provider for cfg. Call Shutdown before exit: a cycle is short
// and spans still queued at exit are lost otherwise.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled || cfg.Exporter == ExporterNone {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "maxsats"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, metricExporter, closeOutput, err := createExporters(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	// Local exporters write spans as they end; OTLP batches network calls
	// and is flushed by Shutdown.
	processor := sdktrace.WithSyncer(exporter)
	if cfg.Exporter == ExporterOTLPHTTP {
		processor = sdktrace.WithBatcher(exporter)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	// A cycle ends long before the first periodic tick; Shutdown collects
	// and exports whatever was recorded.
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx), closeOutput())
		},
	}, nil
}

// Shutdown flushes pending spans and releases exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// createExporters returns the span and metric exporters for cfg and a func
// closing any file they share.
func createExporters(ctx context.Context, cfg Config) (sdktrace.SpanExporter, sdkmetric.Exporter, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Exporter {
	case ExporterOTLPHTTP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		spans, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, nop, err
		}
		metrics, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return nil, nil, nop, err
		}
		return spans, metrics, nop, nil
	case ExporterStdout, "":
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, nop, err
		}
		metrics, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, nop, err
		}
		return spans, metrics, nop, nil
	case ExporterFile:
		if cfg.Endpoint == "" {
			return nil, nil, nop, errors.New("file exporter needs endpoint set to a path")
		}
		f, err := openTraceFile(cfg.Endpoint)
		if err != nil {
			return nil, nil, nop, err
		}
		spans, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, nop, err
		}
		metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, nop, err
		}
		return spans, metrics, f.Close, nil
	default:
		return nil, nil, nop, fmt.Errorf("unknown exporter: %s (supported: %s, %s, %s, %s)",
			cfg.Exporter, ExporterOTLPHTTP, ExporterStdout, ExporterFile, ExporterNone)
	}
}

func openTraceFile(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return f, nil
}
