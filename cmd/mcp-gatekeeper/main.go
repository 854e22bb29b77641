// Command mcp-gatekeeper runs the OAuth 2.1 authorization server and the
// MCP resource gateway.
package main

import (
	"os"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
