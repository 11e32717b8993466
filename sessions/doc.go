// Package sessions defines the session abstractions shared by the streaming
// HTTP router and the per-session channel: the Store that maps session ids
// to live sessions, and the EventLog that backs resumable delivery.
//
// Layers & Roles
//
//	Router   -> resolves the Mcp-Session-Id header against a Store
//	Store    -> id -> live session map with tombstones for closed ids
//	Channel  -> per-session state machine; source of truth for usability
//	EventLog -> ordered, replayable record of server-to-client messages
//
// # Event log backends
//
//	memoryhost : bounded in-process ring, decimal sequence ids
//	redishost  : one Redis stream per session, Redis stream ids
//
// The sessionhosttest package holds the conformance suite every EventLog
// implementation must pass.
package sessions
