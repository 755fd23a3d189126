// Package observability wires logging, metrics and tracing for the gateway.
//
// Logging is log/slog behind a handler that scrubs credentials from
// messages and attributes and adds the session key and run id carried on
// the context. Metrics are Prometheus collectors registered on an injected
// registerer; one Metrics value implements the observer interfaces of the
// scheduler, queue, fallback executor, directive handler, credential store
// and file lock. Tracing exports OTLP over gRPC when an endpoint is set.
package observability
