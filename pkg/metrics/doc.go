/*
Package metrics provides Prometheus metrics collection and exposition for
kiln, plus a small HTTP health-check surface used by operators embedding
the engine as a network server.

# Metric families

Storage instance: kiln_databases_total, kiln_sessions_total,
kiln_subscribers_total.

KV engine: kiln_kv_operations_total{op,outcome},
kiln_kv_operation_duration_seconds{op}, kiln_kv_expirations_total,
kiln_kv_tracked_keys.

View maintenance: kiln_view_scan_duration_seconds{view},
kiln_view_mapper_duration_seconds{view}, kiln_view_documents_mapped_total{view}.

Job manager: kiln_job_queue_depth, kiln_jobs_deduplicated_total.

Pub/Sub: kiln_pubsub_messages_published_total{topic},
kiln_pubsub_messages_dropped_total{topic}.

Wire protocol: kiln_wire_requests_total{kind,outcome},
kiln_wire_request_duration_seconds{kind}, kiln_client_reconnects_total.

# Usage

	timer := metrics.NewTimer()
	err := engine.Set(ctx, key, value)
	timer.ObserveDurationVec(metrics.KVOperationDuration, "set")

# Health

RegisterComponent/UpdateComponent feed HealthHandler, ReadyHandler, and
LivenessHandler, which serve the /health, /ready, and /live payloads.
cmd/kiln's serve command mounts only /metrics, not these handlers.
*/
package metrics
