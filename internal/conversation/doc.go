// Package conversation implements the per-conversation message shards.
//
// Each conversation id maps to exactly one Shard. A shard is an actor that
// owns the conversation's message stream in a private durable namespace, so
// imports into different conversations never contend and imports into the
// same conversation are applied one at a time.
//
// Messages are stored one key per message ("message/<id>"). A message either
// lands or fails on its own; siblings in the same import are unaffected.
// Reads return the stream ordered by (timestamp, id).
package conversation
