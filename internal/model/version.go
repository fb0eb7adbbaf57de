package model

// Version constants for the sync protocol and engine.
const (
	// ProtocolVersion is the sync wire protocol version.
	ProtocolVersion = "1"

	// EngineVersion is the promptgenie engine version.
	EngineVersion = "0.3.0"
)

// SyncTag names the deferred background wake requested when a flush is
// triggered while offline.
const SyncTag = "promptgenie-sync"
