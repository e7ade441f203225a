// Package provider drives the exchange between a thread and an AI backend.
//
// # Protocol
//
// Client.Run executes one invocation as a small state machine:
//
//	READY -> THROTTLE-WAIT -> CALL -> [429 -> RETRY-WAIT -> CALL] -> SUCCESS | ERROR
//	SUCCESS with tool calls -> dispatch tools -> CALL again
//	SUCCESS without tool calls -> DONE
//
// Throttling is proactive: the rate-limit headers of the previous response
// are kept as a Snapshot, and a call is delayed when the tightest
// remaining/limit ratio drops under the threshold. A 429 is retried exactly
// once after its retry-after delay.
//
// # Prompt caching
//
// CacheStrategy keeps one marker message per thread, stored in the thread's
// provider data, so the cached prefix stays stable across calls and only
// moves forward as the conversation grows.
//
// # Backends
//
// AnthropicBackend speaks the Messages API and OpenAIBackend speaks chat
// completions. Both are plain net/http clients because the throttler needs
// the raw response headers.
package provider
