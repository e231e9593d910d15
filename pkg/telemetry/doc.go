// Package telemetry provides logging, tracing and metrics for selfie runs.
//
// Logs go through zerolog, spans through OpenTelemetry and counters through
// a private Prometheus registry. One Telemetry value is created per
// invocation and attached to the context:
//
//	tel, err := telemetry.New(cfg.TelemetrySettings(version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Scoped logging
//
// WithRunContext and WithPackageContext mark a context with the run and the
// package it serves. Components keep their own logger and derive a scoped
// one per operation:
//
//	log := telemetry.FromContext(ctx, i.logger)
//	log.Info().Msg("package installed") // run_id, environment, package, version
//
// The scope is recorded even without telemetry in the context, so engine
// tests see the same fields.
//
// # Tracing
//
// A run produces one span, each package a child span and each shell command
// a grandchild. Phase changes are span events. Exporters are stdout and
// otlp (gRPC); tracing is off by default.
//
// # Metrics
//
//	selfie_runs_started_total
//	selfie_runs_total{status}
//	selfie_run_duration_seconds{status}
//	selfie_package_installations_total{phase}
//	selfie_package_duration_seconds{phase}
//	selfie_commands_total{kind,termination}
//	selfie_command_duration_seconds{kind}
//	selfie_errors_by_class_total{class}
//	selfie_errors_by_code_total{code}
//	selfie_active_installations
//	selfie_queued_packages
//
// Settings.MetricsAddr enables them and serves /metrics.
package telemetry
