package gateway

import (
	"context"

	"github.com/giantswarm/mcp-gatekeeper/server"
)

type contextKey int

const (
	identityKey contextKey = iota
	serverNameKey
)

// IdentityFromContext returns the identity resolved by the bearer middleware.
func IdentityFromContext(ctx context.Context) (*server.Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*server.Identity)
	return identity, ok && identity != nil
}

// ContextWithIdentity attaches identity to ctx. Outside tests only the bearer
// middleware should call it.
func ContextWithIdentity(ctx context.Context, identity *server.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// ServerNameFromContext returns the name of the tool server handling the call.
func ServerNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey).(string)
	return name
}

func contextWithServerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, serverNameKey, name)
}
