// Package thread models a conversation as an ordered, append-only message
// log with usage accounting and provider-scoped side data.
//
// A Thread has a single owner at a time and is not safe for concurrent
// mutation. Delegation never shares a thread: Fork copies the log into a
// child the delegating call owns, and Merge folds the child's new tail back
// once the child run has finished.
//
// Messages are a closed set of three kinds (Text, ToolRequest,
// ToolResponse). Consumers switch on the concrete type; the unexported
// marker method keeps the set closed.
package thread
