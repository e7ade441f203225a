// Package store persists conversation threads and usage records.
//
// SQLiteStore (modernc.org/sqlite, no cgo) is the production
// implementation; MockStore keeps everything in memory for tests. Both
// satisfy Store.
//
// Threads are saved whole: the messages, cumulative usage and provider data
// are encoded as one JSON document next to the columns needed for listing
// (username, name, summary, modified time).
package store
