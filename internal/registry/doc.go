// Package registry implements the server-side session registry: the
// authoritative list of known conversations (SessionInfo) and the last
// settings snapshot received from a client.
//
// The registry is a singleton actor. Its in-memory map is touched only by the
// actor goroutine. State is loaded lazily from durable storage on first
// access; concurrent first callers share one load. Single-operation methods
// write through to storage before returning. The reconciliation coordinator
// uses the batch helpers (Upsert, Remove) and calls Persist once at the end.
//
// Storage layout (one durable namespace):
//
//	sessions         JSON object: id -> SessionInfo
//	global_settings  JSON {settings, timestamp}
package registry
