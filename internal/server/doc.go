// Package server exposes the broker over HTTP.
//
// Routes:
//   - GET <path> (default "/"): websocket upgrade, one session per client
//   - GET /health: status, version, connection count and dependency checks
//   - GET /stats: broker counters and the channel list
//
// Shutdown closes the listener first, then sends every open session a
// close frame and waits for it to leave the broker.
package server
