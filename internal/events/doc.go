// Package events carries the typed events a session streams to its client.
//
// # Channel
//
// A Channel has exactly one current consumer. Attaching a new Sink replaces
// the previous one under the same lock that Emit holds while delivering, so
// every event reaches either the old sink or the new one:
//
//	ch := events.NewChannel(logger)
//	detach := ch.Attach(events.SinkFunc(conn.Send))
//	ch.Emit(events.Text("coday", "hello"))
//	detach()
//
// Events emitted while nothing is attached are kept in a small backlog and
// flushed to the next sink. Heartbeats are never backlogged.
//
// # Replay
//
// The channel remembers the most recent delivered events. Replay resends them
// to the current sink after a reconnect. This is best-effort UI
// resynchronization; clients may see duplicates and must not rely on it for
// durability.
package events
