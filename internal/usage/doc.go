// Package usage records the token usage and cost of agent runs.
//
// A Recorder sits between the agent runtime and the store: runs hand it one
// record each and move on, and a background loop writes batches. Losing a
// batch to a store error is acceptable; blocking a conversation on it is
// not.
package usage
