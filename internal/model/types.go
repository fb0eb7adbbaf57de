package model

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultModel is the preferred model of a freshly initialised settings record.
const DefaultModel = "@cf/meta/llama-3.3-70b-instruct-fp8-fast"

// Conversation is a chat thread owned by the client log until acknowledged.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Message belongs to exactly one conversation and is uniquely identified by ID.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Validate checks that a message can be stored.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("message %s: conversationId is required", m.ID)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message %s: invalid role %q", m.ID, m.Role)
	}
	return nil
}

// Settings is the singleton client settings snapshot.
type Settings struct {
	PreferredModel string            `json:"preferredModel"`
	LastSync       int64             `json:"lastSync"`
	AutoSync       bool              `json:"autoSync"`
	ErrorsLog      []string          `json:"errorsLog"`
	UserAPIKeys    map[string]string `json:"userApiKeys"`
}

// DefaultSettings returns the settings written on first read.
func DefaultSettings() Settings {
	return Settings{
		PreferredModel: DefaultModel,
		ErrorsLog:      []string{},
		UserAPIKeys:    map[string]string{},
	}
}

// Clone returns a deep copy so callers never share the log or key map.
func (s Settings) Clone() Settings {
	out := s
	out.ErrorsLog = append([]string{}, s.ErrorsLog...)
	out.UserAPIKeys = make(map[string]string, len(s.UserAPIKeys))
	for k, v := range s.UserAPIKeys {
		out.UserAPIKeys[k] = v
	}
	return out
}

// SessionInfo is the server-side mirror of a conversation.
type SessionInfo struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	CreatedAt  int64  `json:"createdAt"`
	LastActive int64  `json:"lastActive"`
}

// DefaultTitle is the title given to a session created without one.
func DefaultTitle(now int64) string {
	return "Chat " + time.UnixMilli(now).UTC().Format("2006-01-02")
}

// SyncRequest is the body of a sync submission.
type SyncRequest struct {
	Queue []MutationRecord `json:"queue"`
}

// SyncResponse is the aggregated reconciliation result.
type SyncResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
}

// ImportRequest carries messages to a conversation shard.
type ImportRequest struct {
	Messages []Message `json:"messages"`
}

// ImportResponse reports the outcome of a shard import.
type ImportResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventSyncComplete is the type of the event published after every reconciled batch.
const EventSyncComplete = "sync-complete"

// SyncEvent notifies observers that a batch was reconciled.
type SyncEvent struct {
	Type      string       `json:"type"`
	Result    SyncResponse `json:"result"`
	Replayed  bool         `json:"replayed,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx server response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
