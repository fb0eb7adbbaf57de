package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action is the kind of change a mutation records.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Store names the entity family a mutation belongs to.
// Values match the browser client's object store names.
type Store string

const (
	StoreConversations Store = "conversations"
	StoreMessages      Store = "messages"
	StoreSettings      Store = "settings"
)

// Valid reports whether s is a known store.
func (s Store) Valid() bool {
	switch s {
	case StoreConversations, StoreMessages, StoreSettings:
		return true
	}
	return false
}

// Payload is the store-specific body of a mutation.
// The interface is sealed: only the three variants in this package implement it.
type Payload interface {
	Store() Store
	validate(action Action) error
}

// ConversationPayload is the body of a conversation mutation.
// Deletes carry only the ID; an empty Title means "absent".
type ConversationPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Store implements Payload.
func (ConversationPayload) Store() Store { return StoreConversations }

func (p ConversationPayload) validate(Action) error {
	if p.ID == "" {
		return fmt.Errorf("conversation id is required")
	}
	return nil
}

// MessagePayload is the body of a message mutation.
type MessagePayload struct {
	Message
}

// Store implements Payload.
func (MessagePayload) Store() Store { return StoreMessages }

func (p MessagePayload) validate(Action) error {
	return p.Message.Validate()
}

// SettingsPayload is the full settings snapshot carried by a settings mutation.
type SettingsPayload struct {
	Settings
}

// Store implements Payload.
func (SettingsPayload) Store() Store { return StoreSettings }

func (p SettingsPayload) validate(action Action) error {
	if action == ActionDelete {
		return fmt.Errorf("settings cannot be deleted")
	}
	return nil
}

// MutationRecord is one pending local change awaiting server acknowledgement.
type MutationRecord struct {
	ID        string
	Action    Action
	Store     Store
	Payload   Payload
	Timestamp int64

	// invalid is why a decoded entry could not be accepted; see DecodeMutation.
	invalid error
}

// NewMutation builds a validated mutation. The store is taken from the payload.
func NewMutation(id string, action Action, payload Payload, timestamp int64) (MutationRecord, error) {
	if payload == nil {
		return MutationRecord{}, NewInvalidMutationError(id, "payload is required")
	}
	rec := MutationRecord{
		ID:        id,
		Action:    action,
		Store:     payload.Store(),
		Payload:   payload,
		Timestamp: timestamp,
	}
	if err := rec.Validate(); err != nil {
		return MutationRecord{}, err
	}
	return rec, nil
}

// Validate checks the envelope and that the payload variant matches Store.
func (r MutationRecord) Validate() error {
	if r.invalid != nil {
		return r.invalid
	}
	if r.ID == "" {
		return NewInvalidMutationError(r.ID, "id is required")
	}
	if !r.Action.Valid() {
		return NewInvalidMutationError(r.ID, fmt.Sprintf("unknown action %q", r.Action))
	}
	if !r.Store.Valid() {
		return NewInvalidMutationError(r.ID, fmt.Sprintf("unknown store %q", r.Store))
	}
	if r.Payload == nil {
		return NewInvalidMutationError(r.ID, "payload is required")
	}
	if r.Payload.Store() != r.Store {
		return NewInvalidMutationError(r.ID,
			fmt.Sprintf("payload for %s does not match store %s", r.Payload.Store(), r.Store))
	}
	if err := r.Payload.validate(r.Action); err != nil {
		return NewInvalidMutationError(r.ID, err.Error())
	}
	return nil
}

// Conversation returns the conversation payload, if this is a conversation mutation.
func (r MutationRecord) Conversation() (ConversationPayload, bool) {
	p, ok := r.Payload.(ConversationPayload)
	return p, ok
}

// Message returns the message payload, if this is a message mutation.
func (r MutationRecord) Message() (Message, bool) {
	p, ok := r.Payload.(MessagePayload)
	return p.Message, ok
}

// Settings returns the settings payload, if this is a settings mutation.
func (r MutationRecord) Settings() (Settings, bool) {
	p, ok := r.Payload.(SettingsPayload)
	return p.Settings, ok
}

type mutationEnvelope struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Store     Store           `json:"store"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON encodes the record with its payload under "data".
func (r MutationRecord) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation %s payload: %w", r.ID, err)
	}
	return json.Marshal(mutationEnvelope{
		ID:        r.ID,
		Action:    r.Action,
		Store:     r.Store,
		Data:      data,
		Timestamp: r.Timestamp,
	})
}

// UnmarshalJSON decodes the payload variant selected by "store" and validates the record.
func (r *MutationRecord) UnmarshalJSON(data []byte) error {
	rec, err := DecodeMutation(data)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// DecodeMutation decodes one queue entry. When the envelope decodes but the
// entry is not a valid mutation, the partially decoded record is returned
// along with an invalid-mutation error, and Validate on that record keeps
// returning the error. This lets a batch report bad entries one by one.
func DecodeMutation(data []byte) (MutationRecord, error) {
	var env mutationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return MutationRecord{}, fmt.Errorf("decode mutation: %w", err)
	}
	rec := MutationRecord{
		ID:        env.ID,
		Action:    env.Action,
		Store:     env.Store,
		Timestamp: env.Timestamp,
	}

	raw := bytes.TrimSpace(env.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		rec.invalid = NewInvalidMutationError(env.ID, "data is required")
		return rec, rec.invalid
	}
	payload, err := DecodePayload(env.Store, env.Data)
	if err != nil {
		rec.invalid = NewInvalidMutationError(env.ID, err.Error())
		return rec, rec.invalid
	}
	rec.Payload = payload

	if err := rec.Validate(); err != nil {
		rec.invalid = err
		return rec, err
	}
	return rec, nil
}

// DecodePayload decodes raw JSON into the payload variant for store.
func DecodePayload(store Store, data []byte) (Payload, error) {
	switch store {
	case StoreConversations:
		var p ConversationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode conversation payload: %w", err)
		}
		return p, nil
	case StoreMessages:
		var p MessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		return p, nil
	case StoreSettings:
		var p SettingsPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode settings payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store %q", store)
	}
}
