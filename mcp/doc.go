// Package mcp contains the Model Context Protocol data types this server
// speaks on the wire: method names, the initialize handshake, tool listing and
// invocation envelopes, logging and progress notifications.
//
// The package is free of transport logic. The streaming HTTP router and the
// per-session channel marshal these types into JSON-RPC frames; capability
// code builds results with them.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Paused playback."}},
//	}
//
// # Protocol versions
//
// LatestProtocolVersion is offered to clients that request a version this
// server does not know. SupportedProtocolVersions lists every version the
// server accepts verbatim during negotiation.
package mcp
