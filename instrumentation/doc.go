// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server, its storage backends and the resource gateway.
//
// When Config.Enabled is false, no-op providers are used and every Record*
// call is free. When enabled, metrics are exported through the Prometheus
// exporter and served by PrometheusHandler:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "mcp-gatekeeper",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//	mux.Handle("/metrics", inst.PrometheusHandler())
//
// # Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth flows:
//   - oauth.client.registered{client_type}
//   - oauth.code.issued, oauth.code.exchanged
//   - oauth.token.refreshed, oauth.token.revoked{token_type}
//   - oauth.grant.rejected{grant_type, reason}
//
// Security:
//   - oauth.security.rate_limit_exceeded{limiter_type}
//   - oauth.security.pkce_validation_failed
//   - oauth.security.code_replay_rejected
//
// Gateway:
//   - gateway.bearer.resolutions{kind, result}
//   - gateway.tool.calls{server, tool, result}, gateway.tool.call.duration
//
// Storage and providers:
//   - storage.operation.total{operation, result}, storage.operation.duration
//   - provider.api.calls.total{provider, operation, result}
//
// Credentials must never be placed in span attributes or metric labels. Only
// metadata (client IDs, grant types, results) is recorded.
package instrumentation
