// Package tools holds the tool registry: the ordered, immutable set of tool
// entries a server advertises, and the per-session materialization of those
// entries into callable handles.
//
// Entries are declared once at startup:
//
//	reg := tools.NewRegistry()
//	err := reg.Register(
//	    tools.NewTool("pause", pause, tools.WithDescription("Pause playback.")),
//	)
//
// Every new session binds the whole set through Materialize. Handles keep
// registration order, so tools/list is deterministic across sessions.
package tools
