// Package observability provides logging, metrics, and tracing for the
// authorizer.
//
// # Logging
//
// The Logger interface wraps zap. Components accept it through functional
// options and default to NopLogger:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("decision",
//	    observability.String("effect", "Allow"),
//	    observability.String("permission", "read_deals"),
//	)
//
// Request scoped values (request id, trace id, principal id) travel in the
// context and are attached by Logger.WithContext.
//
// # Metrics
//
// Metrics owns the Prometheus registry served on /metrics. Component
// metrics register into Metrics.Registry().
//
// # Tracing
//
// NewTracer configures the OpenTelemetry SDK with an OTLP gRPC exporter
// when tracing is enabled.
package observability
