package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeys(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"b": 1, "a": "x", "c": nil})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":null}`, string(out))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	out, err := MarshalCanonical("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(out))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to U+00E9.
	out, err := MarshalCanonical("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalCanonicalStructTags(t *testing.T) {
	out, err := MarshalCanonical(SessionInfo{ID: "s1", Title: "T", CreatedAt: 1, LastActive: 2})
	require.NoError(t, err)
	assert.Equal(t, `{"createdAt":1,"id":"s1","lastActive":2,"title":"T"}`, string(out))
}

func TestBatchFingerprint(t *testing.T) {
	a, err := NewMutation("m1", ActionCreate, ConversationPayload{ID: "c1", Title: "A"}, 1)
	require.NoError(t, err)
	b, err := NewMutation("m2", ActionDelete, ConversationPayload{ID: "c1"}, 2)
	require.NoError(t, err)

	f1, err := BatchFingerprint([]MutationRecord{a, b})
	require.NoError(t, err)
	f2, err := BatchFingerprint([]MutationRecord{a, b})
	require.NoError(t, err)
	f3, err := BatchFingerprint([]MutationRecord{b, a})
	require.NoError(t, err)

	assert.Len(t, f1, 64, "SHA-256 hex is 64 characters")
	assert.Equal(t, f1, f2, "fingerprint must be deterministic")
	assert.NotEqual(t, f1, f3, "order is part of batch identity")
}
