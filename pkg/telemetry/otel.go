// Package telemetry wires the OpenTelemetry providers the rest of the module
// records against: prometheus-backed metrics, stdout trace and log exporters,
// and the shared grid instrument holder.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Telemetry owns the installed providers so the binary can flush them on the
// way out.
type Telemetry struct {
	shutdowns []func(context.Context) error
}

// Setup installs the global providers. Metrics land in the prometheus
// registry the metrics server scrapes; traces and logs go to stdout
// exporters. The holder's observable gauges are registered on the new meter
// provider before Setup returns.
func Setup(service, version string) (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	t := &Telemetry{}

	tp, err := newTraceProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	t.shutdowns = append(t.shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)
	t.shutdowns = append(t.shutdowns, mp.Shutdown)
	if err := GetGlobalMetrics().Register(mp.Meter(service)); err != nil {
		return nil, fmt.Errorf("register gauges: %w", err)
	}

	lp, err := newLoggerProvider(res)
	if err != nil {
		return nil, err
	}
	global.SetLoggerProvider(lp)
	t.shutdowns = append(t.shutdowns, lp.Shutdown)

	return t, nil
}

func newTraceProvider(res *resource.Resource) (*trace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res)), nil
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res)), nil
}

func newLoggerProvider(res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// Shutdown flushes every installed provider and reports the first failures
// joined together.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, stop := range t.shutdowns {
		if err := stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetMeter returns a meter from the installed provider. Before Setup runs
// this is the OTel no-op provider, which keeps instruments safe in tests.
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the installed provider.
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
