package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/storage"
)

// credentialLogPrefix is how many leading characters of a credential may appear in logs.
const credentialLogPrefix = 8

// Server implements the authorization server core. It holds no state between
// calls: every invariant is a read followed by a conditional write against the store.
type Server struct {
	clientStore storage.ClientStore
	codeStore   storage.AuthorizationCodeStore
	tokenStore  storage.TokenStore
	apiKeyStore storage.APIKeyStore

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// New creates a server on top of store.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(logger); err != nil {
		return nil, err
	}

	return &Server{
		clientStore: store,
		codeStore:   store,
		tokenStore:  store,
		apiKeyStore: store,
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables spans and metrics for server operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
}

// SetClock replaces the time source. Tests use it to move past expiries.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan finishes a span started by startSpan, recording err when set.
func (s *Server) endSpan(span trace.Span, err error) {
	if s.tracer == nil {
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}
