// Package gateway fronts MCP tool servers with bearer authentication.
//
// Each Gateway hosts one mcp-go tool server, normally mounted under
// /mcp/{name}. Every HTTP request must carry an Authorization: Bearer header
// which is resolved through a Resolver (API key for this server, or OAuth
// access token). Unauthenticated requests receive a 401 pointing at the
// protected resource metadata document so clients can discover the
// authorization server.
//
// Tool dispatch runs through an ordered interceptor chain configured with
// WithInterceptors, for example:
//
//	gw, err := gateway.New("eloa", srv,
//		gateway.WithResourceMetadataURL(handler.Config().ResourceMetadataURL("eloa")),
//		gateway.WithInterceptors(
//			gateway.RequireIdentity(),
//			gateway.RateLimit(limiter, auditor),
//			gateway.Telemetry(inst),
//			gateway.Audit(auditor),
//		),
//	)
//	mux.Handle("/mcp/eloa", gw)
package gateway
