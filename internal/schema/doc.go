// Package schema defines the record shapes persisted by the calendar store:
// events, categories, calendars, per-owner preferences, outbox entries,
// backup records, and operation metrics.
//
// Every record carries an owner identifier that partitions all queries, a
// sync status tracking its relationship to the remote authority, and the
// timestamp triple (created_at, updated_at, last_modified) stamped by the
// store on every write. The structures here are storage-agnostic; the SQL
// mapping lives in the store package.
package schema
