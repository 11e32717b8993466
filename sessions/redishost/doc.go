// Package redishost implements sessions.EventLog on Redis Streams so replay
// data survives a process restart and can be inspected out of band.
//
// Design Notes
//   - One stream per session at <prefix>stream:<session id>
//   - XADD with approximate MAXLEN bounds retention
//   - After reads with XRANGE starting at the marker itself, which doubles
//     as the existence check for the marker
//   - Close deletes the stream
//
// Example:
//
//	host, _ := redishost.New(ctx, redishost.Config{RedisAddr: "localhost:6379"})
//	defer host.Close()
//
// Use memoryhost for ephemeral development.
package redishost
