// Package faster is an embedded, log-structured key-value store with
// in-place updates. Records live in a hybrid log of mapped pages; each
// record carries a generation lock that serializes writers on that one
// record while readers take optimistic, generation-validated snapshots
// without blocking anyone.
//
// Updates happen in place while a record sits in the log's mutable
// tail region and the new value fits the slot's reserved capacity.
// Otherwise the engine freezes the old copy, appends a new one at the
// tail, and re-points the hash index — concurrent writers racing the
// same key lose the index update cleanly and retry at the new
// location, so no update is ever silently dropped.
//
// Cold pages can be sealed into compressed, checksummed segments on
// secondary storage (local disk, S3, MinIO) and unmapped; a background
// compactor relocates surviving records and trims the log's prefix.
package faster
