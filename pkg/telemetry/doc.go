// Package telemetry provides the observability stack shared by the foundation
// CLI and runner: zerolog structured logging, OpenTelemetry tracing with one
// span per plugin invocation, and Prometheus metrics exported in the
// node_exporter textfile format.
//
// Wrap each invocation:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	inv := telemetry.StartInvocation(tel.WithContext(ctx), "system.kernel", id)
//	result := merger.Apply(inv.Ctx, req)
//	inv.End(result)
package telemetry
