// Package harness runs end-to-end sync scenarios described in YAML.
//
// A scenario drives a real client (SQLite mutation log, sync trigger, HTTP
// transport) against a real in-process server (HTTP API, reconciliation
// coordinator, session registry, conversation shards) and then checks the
// resulting state.
//
// # Scenario Format
//
//	name: offline_reconnect
//	description: "Writes made offline reach the server after reconnecting"
//	online: false
//	flow:
//	  - do: create_conversation
//	    as: X
//	    args: { title: "Trip" }
//	  - do: add_message
//	    as: m1
//	    args: { conversation: X, role: user, content: "hello" }
//	  - do: sync
//	    expect: { outcome: deferred }
//	  - do: set_online
//	    args: { online: true }
//	  - do: wake
//	    expect: { outcome: flushed, submitted: 2 }
//	assertions:
//	  - type: pending_count
//	    count: 0
//	  - type: messages
//	    conversation: X
//	    ids: [m1]
//
// Steps may bind the id they create to a name with "as"; later args and
// assertions can use the name wherever an id is expected.
//
// # Operations
//
//   - create_conversation, rename_conversation, delete_conversation
//   - add_message, update_settings
//   - sync: an explicit sync request through the trigger
//   - wake: run the deferred wake the trigger registered, if any
//   - set_online: flip client connectivity
//   - submit: send raw mutation records straight to the server
//   - resubmit: send the last submitted batch again
//   - fail_shard, heal_shard: make imports into one conversation fail
//
// # Assertion Types
//
//   - pending_count: number of unacknowledged mutations on the client
//   - sessions: session ids on the server, most recently active first
//   - session: fields of one server session
//   - messages: message ids stored for a conversation, in stream order
//   - server_settings: fields of the settings snapshot stored on the server
//   - error_log: number of entries in the client diagnostics log
//   - trace_count: number of steps with a given operation and outcome
//
// # Deterministic Runs
//
// The client clock starts at 1000 and advances 10ms per read, ids are
// sequential ("id-1", "id-2", ...), the server clock is fixed (server_time,
// default 5000000) and flush bookkeeping uses a fixed clock (flush_time,
// default 900000). Two runs of one scenario produce identical snapshots,
// which RunWithGolden compares against testdata/golden.
package harness
