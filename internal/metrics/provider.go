package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderOptions configures metric export.
type ProviderOptions struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	NodeName    string
	Interval    time.Duration
}

// Setup installs a global MeterProvider exporting over OTLP/HTTP.
//
// Export is opt-in: with Enabled false or an empty Endpoint no provider is
// registered and the returned shutdown does nothing. The shutdown flushes
// pending data points and should be deferred by the caller.
func Setup(ctx context.Context, opts ProviderOptions) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || opts.Endpoint == "" {
		return noop, nil
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(opts.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceInstanceID(opts.NodeName),
	))
	if err != nil {
		return noop, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(opts.Interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}
