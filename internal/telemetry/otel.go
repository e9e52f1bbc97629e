// Package telemetry wires tracing and error reporting for the daemon.
package telemetry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kestrel-ci/kestrel/internal/logging"
)

var telLogger = logging.C("telemetry")

const sentryFlushTimeout = 2 * time.Second

// SetupTracing installs the global tracer provider with an OTLP/HTTP
// exporter. An empty endpoint leaves export off and returns a no-op
// shutdown, so the trace middleware still runs against the default
// provider.
func SetupTracing(ctx context.Context, serviceName, endpoint string, insecure bool) (func(context.Context) error, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		telLogger.Info("no otlp endpoint configured, trace export disabled")
		return func(context.Context) error { return nil }, nil
	}

	opts := make([]otlptracehttp.Option, 0, 3)
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		if p := strings.TrimSpace(u.Path); p != "" && p != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(p))
		}
		if u.Scheme != "https" {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	telLogger.WithField("endpoint", endpoint).Info("trace export enabled")
	return tracerProvider.Shutdown, nil
}

// SetupSentry starts error reporting when a DSN is configured. The
// returned flush drains buffered events and is safe to call either way.
func SetupSentry(dsn string) (func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	telLogger.Info("sentry error reporting enabled")
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// CaptureError forwards err to sentry when it is configured. Callers
// keep their own logging, this is only the out-of-band report.
func CaptureError(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
