// Package streaminghttp implements the MCP streaming HTTP transport for the
// tool server. It mounts as a standard net/http handler on a single endpoint
// and routes every request to the session named by its Mcp-Session-Id header.
//
// Routing
//   - POST without a session header: only initialize is accepted; it creates a
//     session and returns its id in the Mcp-Session-Id response header.
//   - POST with a session header: the message is delivered to that session.
//     Requests are answered as a single JSON body or as an SSE stream that
//     carries progress notifications ahead of the final response.
//   - GET: attaches a server-to-client SSE stream. Last-Event-ID resumes after
//     the given event; events are replayed before live delivery starts.
//   - DELETE: closes the session. Closing is idempotent.
//
// A session id that does not name a live session owned by the authenticated
// subject is rejected (400 on POST, 404 on GET and DELETE) and never creates or
// alters a session.
//
// Construction
//
//	h, err := streaminghttp.New(
//	    ctx,
//	    "https://api.example/mcp", // public endpoint
//	    registry,                  // *tools.Registry
//	    authenticator,             // auth.Authenticator
//	    streaminghttp.WithEventLog(redishost.New(client).Open),
//	)
//
// # Authentication
//
// Every request carries a bearer token. Failures produce RFC 6750 challenges
// that include resource_metadata when the protected resource metadata
// document is advertised under /.well-known/oauth-protected-resource.
//
// # Shutdown
//
// Shutdown closes every live session with reason "shutdown", letting in-flight
// tool calls finish until its context is done.
package streaminghttp
