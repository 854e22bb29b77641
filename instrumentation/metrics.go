package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flows
	ClientRegistered metric.Int64Counter
	CodeIssued       metric.Int64Counter
	CodeExchanged    metric.Int64Counter
	TokenRefreshed   metric.Int64Counter
	TokenRevoked     metric.Int64Counter
	GrantRejected    metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayRejected   metric.Int64Counter

	// Gateway
	BearerResolutions metric.Int64Counter
	ToolCalls         metric.Int64Counter
	ToolCallDuration  metric.Float64Histogram

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Providers
	ProviderAPICallsTotal metric.Int64Counter

	// Audit
	AuditEventsTotal metric.Int64Counter
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	gatewayMeter := inst.Meter("gateway")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")

	counters := []counterSpec{
		{&m.HTTPRequestsTotal, httpMeter, "oauth.http.requests.total", "Total number of HTTP requests", "{request}"},
		{&m.ClientRegistered, serverMeter, "oauth.client.registered", "Number of clients registered", "{client}"},
		{&m.CodeIssued, serverMeter, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodeExchanged, serverMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.TokenRefreshed, serverMeter, "oauth.token.refreshed", "Number of token pairs rotated by refresh", "{refresh}"},
		{&m.TokenRevoked, serverMeter, "oauth.token.revoked", "Number of token pairs revoked", "{revocation}"},
		{&m.GrantRejected, serverMeter, "oauth.grant.rejected", "Number of grants rejected as invalid_grant", "{grant}"},
		{&m.RateLimitExceeded, securityMeter, "oauth.security.rate_limit_exceeded", "Number of requests rejected by a rate limiter", "{request}"},
		{&m.PKCEValidationFailed, securityMeter, "oauth.security.pkce_validation_failed", "Number of PKCE verifier mismatches", "{attempt}"},
		{&m.CodeReplayRejected, securityMeter, "oauth.security.code_replay_rejected", "Number of code redemptions that lost the single-use race", "{attempt}"},
		{&m.BearerResolutions, gatewayMeter, "gateway.bearer.resolutions", "Number of bearer credential resolutions", "{resolution}"},
		{&m.ToolCalls, gatewayMeter, "gateway.tool.calls", "Number of tool calls dispatched", "{call}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
		{&m.ProviderAPICallsTotal, providerMeter, "provider.api.calls.total", "Total number of identity provider API calls", "{call}"},
		{&m.AuditEventsTotal, securityMeter, "oauth.audit.events.total", "Total number of audit events", "{event}"},
	}

	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ToolCallDuration, err = gatewayMeter.Float64Histogram(
		"gateway.tool.call.duration",
		metric.WithDescription("Tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool.call.duration histogram: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordCodeIssued records an authorization code issuance
func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeIssued.Add(ctx, 1)
}

// RecordCodeExchange records a successful authorization code exchange
func (m *Metrics) RecordCodeExchange(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeExchanged.Add(ctx, 1)
}

// RecordTokenRefresh records a successful refresh rotation
func (m *Metrics) RecordTokenRefresh(ctx context.Context) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1)
}

// RecordTokenRevocation records a revocation that affected a record
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	if m == nil {
		return
	}
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordGrantRejected records an invalid_grant outcome with its internal reason.
// The reason is never sent to the client.
func (m *Metrics) RecordGrantRejected(ctx context.Context, grantType, reason string) {
	if m == nil {
		return
	}
	m.GrantRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("reason", reason),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE verifier mismatch
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordCodeReplayRejected records a redemption that lost the mark-used race
func (m *Metrics) RecordCodeReplayRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.CodeReplayRejected.Add(ctx, 1)
}

// RecordBearerResolution records a gateway credential resolution
func (m *Metrics) RecordBearerResolution(ctx context.Context, kind, result string) {
	if m == nil {
		return
	}
	m.BearerResolutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordToolCall records a dispatched tool call
func (m *Metrics) RecordToolCall(ctx context.Context, serverName, tool, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", serverName),
		attribute.String("tool", tool),
		attribute.String("result", result),
	))
	m.ToolCallDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("server", serverName),
		attribute.String("tool", tool),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records an identity provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}
