// Package gateway is the inbound boundary of coday-gateway.
//
// # HTTP API
//
// Every /api route runs behind auth.Middleware and addresses one session by
// its client id:
//
//	GET    /api/events?clientId=        server-sent events, one "data: <json>" per event
//	GET    /api/ws?clientId=            websocket; inbound {"type":"message","content":...}
//	POST   /api/message                 {clientId, content, idempotencyKey?} -> 202 | 409 | 429
//	POST   /api/stop                    {clientId}
//	DELETE /api/session?clientId=       immediate termination
//	GET    /api/threads?clientId=       saved threads of the user
//	POST   /api/threads/select          {clientId, threadId}
//	GET    /api/usage?since=&agent=     aggregated token usage of the user
//
// Opening an event stream or websocket creates the session or reconnects to
// it. Input is limited per client by a token bucket, and a repeated
// idempotency key within the dedupe window is acknowledged without a run.
//
// /health and /health/ready are unauthenticated. When grpc.enabled is set,
// the standard grpc.health.v1 service is served on its own listener.
//
// # Lifecycle
//
// Run listens on TCP, or on the tailnet when tailscale.enabled is set, and
// blocks until its context ends. Shutdown stops the servers within five
// seconds, then terminates every session, flushes buffered usage and closes
// the store.
package gateway
