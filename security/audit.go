package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
)

// Auditor writes security_audit records. User IDs are hashed; client IDs are
// public identifiers and logged as-is.
type Auditor struct {
	logger          *slog.Logger
	enabled         bool
	instrumentation *instrumentation.Instrumentation
	now             func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetInstrumentation counts every logged event in oauth.audit.events.total.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(ctx context.Context, event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}

	attrs := []any{
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"timestamp", event.Timestamp,
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}
	a.logger.InfoContext(ctx, "security_audit", attrs...)

	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordAuditEvent(ctx, event.Type)
	}
}

// LogClientRegistered logs a dynamic client registration
func (a *Auditor) LogClientRegistered(ctx context.Context, clientID, clientType, ipAddress string) {
	a.LogEvent(ctx, Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"client_type": clientType},
	})
}

// LogCodeIssued logs an authorization code issuance
func (a *Auditor) LogCodeIssued(ctx context.Context, userID, clientID, scope string) {
	a.LogEvent(ctx, Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenIssued logs a successful code exchange
func (a *Auditor) LogTokenIssued(ctx context.Context, userID, clientID, scope string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token rotation
func (a *Auditor) LogTokenRefreshed(ctx context.Context, userID, clientID string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogTokenRevoked logs an explicit revocation that affected a record
func (a *Auditor) LogTokenRevoked(ctx context.Context, clientID, tokenType string) {
	a.LogEvent(ctx, Event{
		Type:     EventTokenRevoked,
		ClientID: clientID,
		Details:  map[string]any{"token_type": tokenType},
	})
}

// LogAuthFailure logs a client authentication failure
func (a *Auditor) LogAuthFailure(ctx context.Context, clientID, ipAddress, reason string) {
	a.LogEvent(ctx, Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogInvalidGrant logs a rejected redemption. reason stays server-side.
func (a *Auditor) LogInvalidGrant(ctx context.Context, clientID, grantType, reason string) {
	a.LogEvent(ctx, Event{
		Type:     EventInvalidGrant,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"reason":     reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ctx context.Context, limiterType, ipAddress, userID string) {
	a.LogEvent(ctx, Event{
		Type:      EventRateLimitExceeded,
		UserID:    userID,
		IPAddress: ipAddress,
		Details:   map[string]any{"limiter_type": limiterType},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
