package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_TestdataScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		t.Run(strings.TrimSuffix(filepath.Base(f), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(f)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(s.Flow))
		})
	}
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestRun_OutcomeMismatchFails(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "expects the wrong outcome"
flow:
  - do: create_conversation
    args: { title: "a" }
  - do: sync
    expect: { outcome: deferred, submitted: 7 }
assertions:
  - type: pending_count
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `expected outcome "deferred", got "flushed"`)
	assert.Contains(t, result.Errors[1], "expected 7 submitted, got 1")
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	s := mustParse(t, `
name: unexpected
description: "a step without expect must succeed"
flow:
  - do: delete_conversation
    args: { conversation: ghost }
assertions:
  - type: pending_count
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unexpected error")
	assert.Equal(t, "NOT_FOUND", result.Trace[0].Outcome)
}

func TestRun_SetupFailureAborts(t *testing.T) {
	s := mustParse(t, `
name: bad_setup
description: "setup must succeed"
setup:
  - do: rename_conversation
    args: { conversation: ghost, title: "x" }
flow:
  - do: sync
assertions:
  - type: pending_count
    count: 0
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (rename_conversation)")
}

func TestRun_SetupIsNotTraced(t *testing.T) {
	s := mustParse(t, `
name: traced
description: "only flow steps are traced"
setup:
  - do: create_conversation
    as: X
    args: { title: "setup" }
flow:
  - do: add_message
    as: m1
    args: { conversation: X, content: "hi" }
  - do: sync
    expect: { outcome: flushed, submitted: 2 }
assertions:
  - type: messages
    conversation: X
    ids: [m1]
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 2)
	assert.Equal(t, 1, result.Trace[0].Step)
	assert.Equal(t, "add_message", result.Trace[0].Do)
}

func TestRun_ResubmitBeforeSubmit(t *testing.T) {
	s := mustParse(t, `
name: early_resubmit
description: "resubmit needs a previous batch"
flow:
  - do: resubmit
    expect: { outcome: error }
assertions:
  - type: pending_count
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InvalidRawRecord(t *testing.T) {
	s := mustParse(t, `
name: invalid_raw
description: "raw records are validated before they are sent"
flow:
  - do: submit
    args:
      records:
        - { id: bad-1, action: explode, store: conversations, timestamp: 1, data: { id: X } }
    expect: { outcome: INVALID_MUTATION }
assertions:
  - type: sessions
    ids: []
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RejectedRawBatch(t *testing.T) {
	s := mustParse(t, `
name: rejected_raw
description: "a raw batch with a failing shard is rejected with per-item errors"
flow:
  - do: fail_shard
    args: { conversation: X }
  - do: submit
    args:
      records:
        - { id: c-1, action: create, store: conversations, timestamp: 10, data: { id: X, title: "t" } }
        - { id: m-1, action: create, store: messages, timestamp: 11, data: { id: m1, conversationId: X, role: user, content: "a", timestamp: 11 } }
    expect: { outcome: rejected, submitted: 2, processed: 1, errors: 1 }
  - do: heal_shard
    args: { conversation: X }
  - do: resubmit
    expect: { outcome: success, processed: 2, replayed: false }
assertions:
  - type: messages
    conversation: X
    ids: [m1]
  - type: session
    session: X
    expect: { title: "t", createdAt: 10 }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"messages for conversation X: shard unavailable"}, result.Trace[1].Detail["errors"])
}

func TestRun_ServerTimeOverride(t *testing.T) {
	s := mustParse(t, `
name: server_time
description: "the server clock is configurable"
server_time: 42000
flow:
  - do: create_conversation
    as: X
    args: { title: "t" }
  - do: sync
assertions:
  - type: session
    session: X
    expect: { lastActive: 42000 }
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}
