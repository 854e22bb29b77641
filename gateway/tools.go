package gateway

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

// WhoamiResult is the whoami tool's JSON payload.
type WhoamiResult struct {
	Server    string   `json:"server"`
	UserID    string   `json:"user_id"`
	ClientID  string   `json:"client_id,omitempty"`
	Kind      string   `json:"credential_kind"`
	Scopes    []string `json:"scopes"`
	ExpiresAt int64    `json:"expires_at,omitempty"`
}

func whoamiTool() mcp.Tool {
	return mcp.NewTool("whoami",
		mcp.WithDescription("Report the identity the gateway resolved for this request"),
	)
}

func handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("no identity attached to this request"), nil
	}

	data, err := json.Marshal(WhoamiResult{
		Server:    ServerNameFromContext(ctx),
		UserID:    identity.UserID,
		ClientID:  identity.ClientID,
		Kind:      string(identity.Kind),
		Scopes:    identity.Scopes,
		ExpiresAt: identity.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
