package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/davidahmann/agentlab/core/fsx"
)

const ServiceName = "agentlab"

// Config selects where spans and metrics go. Empty paths disable the
// corresponding signal; the core packages then use the no-op tracer and
// metrics stay in the process registry.
type Config struct {
	ServiceVersion string
	// TraceFile receives one JSON span per line.
	TraceFile string
	// MetricsFile receives the Prometheus text exposition of Gatherer at shutdown.
	MetricsFile string
	Gatherer    prometheus.Gatherer
}

// Init installs the configured exporters and returns a shutdown func that
// flushes them. Call it once per process.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, errors.New("telemetry: nil context")
	}
	var shutdownFuncs []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if path := strings.TrimSpace(cfg.TraceFile); path != "" {
		provider, closeFile, err := newTracerProvider(path, cfg.ServiceVersion)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(provider)
		shutdownFuncs = append(shutdownFuncs, provider.Shutdown, func(context.Context) error { return closeFile() })
	}

	if path := strings.TrimSpace(cfg.MetricsFile); path != "" {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
			return WriteMetrics(path, gatherer)
		})
	}
	return shutdown, nil
}

func newTracerProvider(path string, serviceVersion string) (*sdktrace.TracerProvider, func() error, error) {
	if err := fsx.EnsureParent(path); err != nil {
		return nil, nil, err
	}
	// #nosec G304 -- trace output path is explicit local user input.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace output: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(file))
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", serviceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return provider, file.Close, nil
}

// WriteMetrics writes every metric family of gatherer in Prometheus text
// format, atomically.
func WriteMetrics(path string, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	var builder strings.Builder
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(&builder, family); err != nil {
			return fmt.Errorf("encode metric %s: %w", family.GetName(), err)
		}
	}
	if err := fsx.WriteFileAtomicMkdir(path, []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
