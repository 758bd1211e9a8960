// Package tracing provides shared OTel tracer initialization for the
// controlplane's HTTP and gRPC middleware.
//
// Without OTEL_SERVICE_NAME / explicit configuration the default SDK
// provider is used with no span processor, so spans are created and
// ended at zero remote-export cost; operators that want spans shipped
// somewhere register their own processor on otel.GetTracerProvider()
// during startup before any request traffic begins.
package tracing

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider
)

func initTracing(serviceName string) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	tracerProvider = provider
	otel.SetTracerProvider(provider)
}

// Tracer returns a named tracer for serviceName, initializing the global
// SDK tracer provider on first use.
func Tracer(serviceName string) trace.Tracer {
	initOnce.Do(func() { initTracing(serviceName) })
	return tracerProvider.Tracer(serviceName)
}
