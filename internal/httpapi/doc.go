// Package httpapi exposes the server side of the sync engine over HTTP.
//
// Routes:
//
//	POST   /api/sync                   reconcile a client batch
//	GET    /api/sessions               list sessions, most recently active first
//	DELETE /api/sessions               remove every session
//	DELETE /api/sessions/{id}          remove one session
//	PUT    /api/sessions/{id}/title    rename a session
//	POST   /api/chat/{id}/import       import messages into one conversation
//	GET    /api/chat/{id}/messages     read one conversation's messages
//	GET    /api/settings               last settings snapshot received
//	GET    /api/events                 websocket stream of sync-complete events
//	GET    /health                     liveness
//
// Request bodies are validated against embedded JSON schemas before they are
// decoded. Every non-2xx response carries {code, message}.
package httpapi
