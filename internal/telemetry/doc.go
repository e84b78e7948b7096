// Package telemetry exports teammem's pipeline spans over OTLP.
//
// The pipeline always creates spans through otel.Tracer; they are no-ops
// until New installs a real TracerProvider. teammem is short-lived, so
// callers must Shutdown before exit to flush the batch.
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc        # or http/protobuf
//	  sample_rate: 1.0
//
// Tests use NewTestTelemetry and assert on recorded spans.
package telemetry
