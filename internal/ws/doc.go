// Package ws implements the protosnap WebSocket hub.
//
// Hub manages a set of connected clients and broadcasts snapshot statistics
// to all of them on a configurable interval (http.ws_interval, default 5s).
//
// New(source, interval) creates a Hub.
// Hub.Run(ctx) starts the broadcast ticker. It blocks until ctx is cancelled,
// then closes all active connections.
// Hub.ServeHTTP upgrades an HTTP connection to WebSocket, sends the current
// stats immediately on connect, then streams updates on each tick.
//
// Message format sent to clients:
//
//	{
//	  "event": "stats",
//	  "data":  { "snapshot": {...}, "flights": {...}, "generated_at": "..." }
//	}
//
// Any origin is accepted unless WithCheckOrigin is given. The daemon mounts
// the hub at /ws/stream.
package ws
