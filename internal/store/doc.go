// Package store provides the SQLite-backed local store of the offline client.
//
// The store holds the user's conversations, messages and settings together
// with the mutation log (sync_queue) that records every change awaiting
// server acknowledgement.
//
// # Critical Patterns
//
// Atomic append: every entity write and the mutation it documents commit in
// one transaction. Entity state and the log are never observably
// inconsistent; a failure rolls back both.
//
// Monotonic timestamps: writes are serialized under one lock and stamped
// with max(clock, previous stamp), so timestamps never decrease in seq order.
//
// All-or-nothing acknowledgement: Drain never removes rows. Only a fully
// successful batch is removed, via ClearThrough(batch.LastSeq), which also
// keeps mutations appended while the batch was in flight.
//
// Cascade: DeleteConversation removes the conversation's messages in the
// same transaction and queues exactly one delete mutation. Message deletes
// are implicit on the receiving side.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Messages must reference an existing conversation
package store
