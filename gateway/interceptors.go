package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/security"
)

var (
	// ErrNoIdentity is returned when a tool call reaches dispatch without a
	// resolved identity.
	ErrNoIdentity = errors.New("authentication required")

	// ErrRateLimited is returned when the caller exceeded its tool call rate.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Tool call outcomes recorded by Telemetry and Audit.
const (
	resultSuccess   = "success"
	resultToolError = "tool_error"
	resultError     = "error"
)

// Interceptor wraps tool dispatch. It may reject the call by returning an
// error without calling next.
type Interceptor func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc

// RequireIdentity rejects calls without a resolved identity.
func RequireIdentity() Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if _, ok := IdentityFromContext(ctx); !ok {
				return nil, ErrNoIdentity
			}
			return next(ctx, req)
		}
	}
}

// RateLimit applies limiter per user. Calls without an identity pass through;
// RequireIdentity belongs before it in the chain.
func RateLimit(limiter *security.RateLimiter, auditor *security.Auditor) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		if limiter == nil {
			return next
		}
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			identity, ok := IdentityFromContext(ctx)
			if ok && !limiter.Allow(identity.UserID) {
				auditor.LogRateLimitExceeded(ctx, "tool_call", "", identity.UserID)
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}

// Telemetry records the tool call counter and duration and wraps the call in
// a span. A nil inst disables it.
func Telemetry(inst *instrumentation.Instrumentation) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		if inst == nil {
			return next
		}
		tracer := inst.Tracer("gateway")

		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			serverName := ServerNameFromContext(ctx)
			tool := req.Params.Name

			ctx, span := tracer.Start(ctx, "gateway.tool_call",
				trace.WithAttributes(
					attribute.String(instrumentation.AttrServerName, serverName),
					attribute.String(instrumentation.AttrToolName, tool),
				))
			defer span.End()

			start := time.Now()
			result, err := next(ctx, req)
			outcome := callOutcome(result, err)

			inst.Metrics().RecordToolCall(ctx, serverName, tool, outcome,
				float64(time.Since(start).Microseconds())/1000)
			if err != nil {
				instrumentation.RecordError(span, err)
			} else {
				instrumentation.SetSpanSuccess(span)
			}
			return result, err
		}
	}
}

// Audit writes a tool_call audit event for every dispatched call.
func Audit(auditor *security.Auditor) Interceptor {
	return func(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			result, err := next(ctx, req)

			event := security.Event{
				Type: security.EventToolCall,
				Details: map[string]any{
					"server": ServerNameFromContext(ctx),
					"tool":   req.Params.Name,
					"result": callOutcome(result, err),
				},
			}
			if identity, ok := IdentityFromContext(ctx); ok {
				event.UserID = identity.UserID
				event.ClientID = identity.ClientID
				event.Details["credential_kind"] = string(identity.Kind)
			}
			auditor.LogEvent(ctx, event)

			return result, err
		}
	}
}

func callOutcome(result *mcp.CallToolResult, err error) string {
	switch {
	case err != nil:
		return resultError
	case result != nil && result.IsError:
		return resultToolError
	default:
		return resultSuccess
	}
}
