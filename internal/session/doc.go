// Package session keeps one logical session per client id across
// reconnects.
//
// A Session owns an events.Channel, the currently attached Connection and,
// once the client sends input, an agent Runtime. Reconnecting with the same
// client id swaps the connection on the channel, cancels any pending
// termination and asks the runtime to replay recent events.
//
// Timers:
//
//   - heartbeat: while a connection is attached a heartbeat event is sent
//     every HeartbeatInterval; a failed send is treated as a lost
//     connection.
//   - termination: a lost connection (or an explicit graceful Terminate)
//     stops the current run and arms a timer of Timeout. If the session is
//     still idle when it fires, it is torn down.
//
// Manager.Sweep is the backstop for timers that never fire.
package session
