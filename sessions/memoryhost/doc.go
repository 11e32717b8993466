// Package memoryhost provides an in-memory sessions.EventLog suitable for
// tests, development, and single-process servers. All state is ephemeral and
// discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Retention         : bounded ring per session (oldest events dropped)
//	Ordering          : monotonic decimal ids per session log
//	Concurrency       : safe (mutex per log)
//
// Example:
//
//	host := memoryhost.New(memoryhost.WithCapacity(1024))
//	// the router opens one log per session through host.Open
//
// For restart-tolerant replay data prefer redishost.
package memoryhost
