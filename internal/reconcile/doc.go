// Package reconcile implements the server-side reconciliation coordinator.
//
// A batch submitted by a client is folded into server state in a fixed order:
//
//  1. Partition records by store.
//  2. Settings: the snapshot with the greatest timestamp replaces the stored one.
//  3. Conversations: applied in batch order, one at a time. A failure is
//     recorded and the next record is still applied.
//  4. Messages: creates are grouped by conversation, each group is sorted by
//     timestamp and imported into its shard. Shards run in parallel, each
//     under its own deadline, and a failing shard does not affect the others.
//  5. The session map is persisted once.
//
// The result is {success, processed, errors} where success means no errors and
// processed is the batch size minus the number of errors.
//
// Batches that reconcile cleanly are recorded in a ledger under their
// fingerprint, so a client resubmitting a batch whose acknowledgement it
// never saw gets the recorded result back and server state is left as is.
package reconcile
