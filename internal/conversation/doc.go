// Package conversation manages the active thread of one user session.
//
// # Overview
//
// A Service sits between the agent runtime and the thread store. It owns the
// notion of "the thread we are talking in": creating a fresh one, selecting
// a saved one, saving it back and deleting threads.
//
//	svc := conversation.New(store, "alice", logger)
//	th, err := svc.Select(ctx, "")   // most recent thread, or a new one
//
// # Thread lifecycle
//
// A created thread has no id and is not persisted until Save assigns one.
// Saving with a new name stores a copy under a fresh id and makes the copy
// active; the original stays as it was last saved.
//
// Selecting without an id picks the user's most recently modified thread,
// or creates a new one when the user has none. Deleting the active thread
// selects again so a session always has somewhere to write.
//
// Threads belong to the username the Service was created for; threads of
// other users are reported as not found.
package conversation
