package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mcp-gatekeeper/instrumentation"
	"github.com/giantswarm/mcp-gatekeeper/internal/session"
	"github.com/giantswarm/mcp-gatekeeper/providers"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
)

// Endpoint paths
const (
	PathRegister                  = "/oauth/register"
	PathAuthorize                 = "/oauth/authorize"
	PathToken                     = "/oauth/token"
	PathRevoke                    = "/oauth/revoke"
	PathLogout                    = "/logout"
	PathHealth                    = "/healthz"
	PathMetrics                   = "/metrics"
	PathAuthorizationServerMeta   = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata = "/.well-known/oauth-protected-resource"
)

const maxRegistrationBodyBytes = 64 << 10

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler is the HTTP surface of the authorization server.
type Handler struct {
	server   *server.Server
	config   *Config
	sessions *session.Store
	provider providers.Provider
	health   Pinger

	ipLimiter           *security.RateLimiter
	registrationLimiter *security.RateLimiter

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

// NewHandler creates the HTTP handler. provider signs users in before consent.
func NewHandler(srv *server.Server, sessions *session.Store, provider providers.Provider, config *Config, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	cfg := *config
	cfg.applyDefaults(srv.Config.Issuer)

	h := &Handler{
		server:   srv,
		config:   &cfg,
		sessions: sessions,
		provider: provider,
		logger:   logger,
	}

	if cfg.RateLimit.Rate > 0 {
		h.ipLimiter = security.NewRateLimiterWithConfig(cfg.RateLimit.Rate, cfg.RateLimit.Burst, cfg.RateLimit.MaxEntries, logger)
	}
	if cfg.RateLimit.RegistrationsPerHour > 0 {
		h.registrationLimiter = security.NewWindowRateLimiter(cfg.RateLimit.RegistrationsPerHour, time.Hour, cfg.RateLimit.MaxEntries, logger)
	}

	return h, nil
}

// SetInstrumentation enables HTTP spans, request metrics and /metrics.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
	if inst != nil {
		h.tracer = inst.Tracer("http")
	}
}

// SetHealthChecker sets the backend pinged by /healthz.
func (h *Handler) SetHealthChecker(p Pinger) {
	h.health = p
}

// Config returns the effective configuration with defaults applied.
func (h *Handler) Config() Config {
	return *h.config
}

// Close stops the rate limiter cleanup goroutines.
func (h *Handler) Close() {
	if h.ipLimiter != nil {
		h.ipLimiter.Stop()
	}
	if h.registrationLimiter != nil {
		h.registrationLimiter.Stop()
	}
}

// RegisterRoutes adds every endpoint to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST "+PathRegister, h.instrument("register", h.limitByIP(h.ServeClientRegistration)))
	mux.Handle("GET "+PathAuthorize, h.instrument("authorize", h.limitByIP(h.ServeAuthorization)))
	mux.Handle("POST "+PathAuthorize, h.instrument("authorize_decision", h.limitByIP(h.ServeAuthorizationDecision)))
	mux.Handle("POST "+PathToken, h.instrument("token", h.limitByIP(h.ServeToken)))
	mux.Handle("OPTIONS "+PathToken, h.instrument("token_preflight", h.ServePreflightRequest))
	mux.Handle("POST "+PathRevoke, h.instrument("revoke", h.limitByIP(h.ServeTokenRevocation)))
	mux.Handle("OPTIONS "+PathRevoke, h.instrument("revoke_preflight", h.ServePreflightRequest))

	mux.Handle("GET "+PathAuthorizationServerMeta, h.instrument("as_metadata", h.ServeAuthorizationServerMetadata))
	mux.Handle("GET "+PathProtectedResourceMetadata, h.instrument("pr_metadata", h.ServeProtectedResourceMetadata))
	mux.Handle("GET "+PathProtectedResourceMetadata+"/mcp/{server}", h.instrument("pr_metadata", h.ServeProtectedResourceMetadata))

	mux.Handle("GET "+h.config.Login.Path, h.instrument("login", h.limitByIP(h.ServeLogin)))
	mux.Handle("GET "+h.config.CallbackPath(), h.instrument("login_callback", h.limitByIP(h.ServeLoginCallback)))
	mux.Handle("POST "+PathLogout, h.instrument("logout", h.ServeLogout))

	mux.HandleFunc("GET "+PathHealth, h.ServeHealth)
	if h.instrumentation != nil {
		mux.Handle("GET "+PathMetrics, h.instrumentation.PrometheusHandler())
	}
}

// Routes returns a handler serving every endpoint with request IDs attached.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(mux)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument wraps an endpoint with a span and the request counter.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "http."+endpoint)
			defer span.End()
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r.WithContext(ctx))

		durationMs := float64(time.Since(start).Microseconds()) / 1000
		h.instrumentation.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, rec.status, durationMs)
		if span != nil {
			instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
			if rec.status >= http.StatusInternalServerError {
				instrumentation.SetSpanError(span, http.StatusText(rec.status))
			} else {
				instrumentation.SetSpanSuccess(span)
			}
		}
	})
}

// limitByIP applies the per-IP limiter when configured.
func (h *Handler) limitByIP(next http.HandlerFunc) http.HandlerFunc {
	if h.ipLimiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if !h.ipLimiter.Allow(clientIP) {
			h.recordRateLimitExceeded(r.Context(), "ip", clientIP)
			w.Header().Set("Retry-After", "1")
			h.writeError(w, NewOAuthError(ErrorCodeRateLimitExceeded, "Too many requests", http.StatusTooManyRequests))
			return
		}
		next(w, r)
	}
}

func (h *Handler) recordRateLimitExceeded(ctx context.Context, limiterType, clientIP string) {
	h.logger.Warn("Rate limit exceeded", "limiter", limiterType, "ip", clientIP)
	h.server.Auditor.LogRateLimitExceeded(ctx, limiterType, clientIP, "")
	h.instrumentation.Metrics().RecordRateLimitExceeded(ctx, limiterType)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError renders an OAuth error. 401 responses carry a Bearer challenge.
func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Bearer error=%q, error_description=%q", oauthErr.Code, oauthErr.Description))
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeServerError logs err and answers with a generic server_error.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	h.logger.ErrorContext(r.Context(), message,
		"error", err,
		"path", r.URL.Path,
		"request_id", security.GetRequestID(r.Context()))
	h.writeError(w, ErrServerError())
}

// writeMappedError renders a server core error, logging unexpected ones.
func (h *Handler) writeMappedError(w http.ResponseWriter, r *http.Request, message string, err error) {
	oauthErr := oauthErrorFrom(err)
	if oauthErr.Code == ErrorCodeServerError {
		h.writeServerError(w, r, message, err)
		return
	}
	h.writeError(w, oauthErr)
}

// ServeHealth pings the storage backend.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", "error", err)
			status["status"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
