// Package telemetry initializes OpenTelemetry tracing for the server.
// Spans are exported to a rotated local file so generation latency can be
// inspected without an external collector; a collector can still attach
// through the SDK.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Init sets up the global tracer provider. The returned shutdown function
// flushes pending spans.
func Init(ctx context.Context, traceDir string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("panelforge"),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	if err := os.MkdirAll(traceDir, 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}

	traceFile := &lumberjack.Logger{
		Filename:   filepath.Join(traceDir, "panelforge_traces.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
