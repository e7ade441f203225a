// Package dedupe drops repeated message submissions. Clients attach an
// idempotency key to each POST /api/message; a key seen again within the
// window (five minutes by default) is acknowledged without starting a run.
package dedupe
