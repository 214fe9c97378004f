// Package observability provides the deploy loop's only window to the
// outside world while it runs unattended: structured logs, Prometheus
// metrics and OpenTelemetry traces.
//
// # Logging
//
// Logging is built on Go's slog package. Every record carries
// source=pindeploy and, when present in the context, the cycle_id and
// trigger that started the work. Credentials embedded in remote URLs and
// common token formats are redacted before a record is written.
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddCycleID(ctx, id)
//	logger.Info(ctx, "cycle finished", "outcome", "updated")
//
// When LogConfig.Syslog is set, every record is also written to the system
// log at the matching severity (info, warning, err).
//
// # Metrics
//
// Metrics live on a private registry exposed by Metrics.Handler, which the
// agent mounts on its admin listener at /metrics.
//
// # Tracing
//
// NewTracer returns a no-op tracer unless an OTLP endpoint is configured.
// A cycle is one deploy.cycle span with vcs.fetch, vcs.pull and
// service.reconcile children.
package observability
