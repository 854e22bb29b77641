package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
)

const defaultVersion = "1.0.0"

// Resolver resolves a bearer credential presented to a tool server.
// *server.Server implements it.
type Resolver interface {
	ResolveBearer(ctx context.Context, bearer, serverName string) (*server.Identity, error)
}

// Gateway authenticates HTTP requests and serves one MCP tool server.
type Gateway struct {
	name                string
	resolver            Resolver
	resourceMetadataURL string
	interceptors        []Interceptor
	version             string
	logger              *slog.Logger

	mcp     *mcpserver.MCPServer
	handler http.Handler
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger. Default: slog.Default()
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithResourceMetadataURL sets the protected resource metadata document
// advertised in 401 challenges.
func WithResourceMetadataURL(url string) Option {
	return func(g *Gateway) { g.resourceMetadataURL = url }
}

// WithInterceptors appends interceptors to the dispatch chain. The first
// interceptor is the outermost.
func WithInterceptors(interceptors ...Interceptor) Option {
	return func(g *Gateway) { g.interceptors = append(g.interceptors, interceptors...) }
}

// WithVersion sets the server version reported to MCP clients.
func WithVersion(version string) Option {
	return func(g *Gateway) {
		if version != "" {
			g.version = version
		}
	}
}

// New creates the gateway for the tool server serverName. The whoami tool is
// always registered.
func New(serverName string, resolver Resolver, opts ...Option) (*Gateway, error) {
	if serverName == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if strings.ContainsAny(serverName, "/ ") {
		return nil, fmt.Errorf("invalid server name %q", serverName)
	}
	if resolver == nil {
		return nil, fmt.Errorf("bearer resolver is required")
	}

	g := &Gateway{
		name:     serverName,
		resolver: resolver,
		version:  defaultVersion,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("server", serverName)

	g.mcp = mcpserver.NewMCPServer(
		serverName,
		g.version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithToolHandlerMiddleware(g.dispatch),
	)
	g.mcp.AddTool(whoamiTool(), handleWhoami)

	// tool handlers run on a context derived from the request, so the
	// identity set in ServeHTTP reaches them
	g.handler = mcpserver.NewStreamableHTTPServer(g.mcp, mcpserver.WithStateLess(true))

	return g, nil
}

// Name returns the tool server name.
func (g *Gateway) Name() string {
	return g.name
}

// MCPServer exposes the underlying server for direct message handling.
func (g *Gateway) MCPServer() *mcpserver.MCPServer {
	return g.mcp
}

// AddTool registers a tool. Its handler runs behind the interceptor chain.
func (g *Gateway) AddTool(tool mcp.Tool, handler mcpserver.ToolHandlerFunc) {
	g.mcp.AddTool(tool, handler)
}

// dispatch wraps every tool handler with the interceptor chain.
func (g *Gateway) dispatch(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	handler := next
	for i := len(g.interceptors) - 1; i >= 0; i-- {
		handler = g.interceptors[i](handler)
	}
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handler(contextWithServerName(ctx, g.name), req)
	}
}

// ServeHTTP resolves the bearer credential and hands the request to the MCP
// transport.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Header.Get("Authorization") == "" {
		g.writeChallenge(w, "", "Authentication required")
		return
	}
	bearer, ok := bearerToken(r)
	if !ok {
		g.writeChallenge(w, "invalid_token", "Malformed Authorization header")
		return
	}

	identity, err := g.resolver.ResolveBearer(ctx, bearer, g.name)
	if err != nil {
		if errors.Is(err, server.ErrUnauthenticated) {
			g.logger.Debug("Bearer credential rejected", "request_id", security.GetRequestID(ctx))
			g.writeChallenge(w, "invalid_token", "The access token is invalid, expired or revoked")
			return
		}
		g.logger.ErrorContext(ctx, "Failed to resolve bearer credential",
			"error", err,
			"request_id", security.GetRequestID(ctx))
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	g.handler.ServeHTTP(w, r.WithContext(ContextWithIdentity(ctx, identity)))
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeChallenge answers 401 with a Bearer challenge that links the resource
// metadata, so clients can find the authorization server. errorCode is
// empty when the request carried no credentials (RFC 6750 section 3.1).
func (g *Gateway) writeChallenge(w http.ResponseWriter, errorCode, description string) {
	var params []string
	if errorCode != "" {
		params = append(params, fmt.Sprintf(`error=%q`, errorCode))
	}
	if g.resourceMetadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata=%q`, g.resourceMetadataURL))
	}
	challenge := "Bearer"
	if len(params) > 0 {
		challenge += " " + strings.Join(params, ", ")
	}
	w.Header().Set("WWW-Authenticate", challenge)

	bodyCode := errorCode
	if bodyCode == "" {
		bodyCode = "unauthorized"
	}
	writeJSONError(w, http.StatusUnauthorized, bodyCode, description)
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
