package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// marshalPayload serializes a mutation payload for the payload column.
func marshalPayload(p model.Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord rebuilds a validated mutation from its queue row.
func unmarshalRecord(id, action, store, payload string, ts int64) (model.MutationRecord, error) {
	p, err := model.DecodePayload(model.Store(store), []byte(payload))
	if err != nil {
		return model.MutationRecord{}, fmt.Errorf("mutation %s: %w", id, err)
	}
	rec := model.MutationRecord{
		ID:        id,
		Action:    model.Action(action),
		Store:     model.Store(store),
		Payload:   p,
		Timestamp: ts,
	}
	if err := rec.Validate(); err != nil {
		return model.MutationRecord{}, err
	}
	return rec, nil
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal errors log: %w", err)
	}
	return string(data), nil
}

func marshalKeys(v map[string]string) (string, error) {
	if v == nil {
		v = map[string]string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal api keys: %w", err)
	}
	return string(data), nil
}

func asSyncError(err error, target **model.SyncError) bool {
	return errors.As(err, target)
}
