package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

func okEntry(appliedAt int64) LedgerEntry {
	return LedgerEntry{
		Result:    model.SyncResponse{Success: true, Processed: 1, Errors: []string{}},
		Size:      1,
		AppliedAt: appliedAt,
	}
}

func TestLedgerPrune(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(durable.NewMemoryBackend().Namespace("ledger"))

	for i, at := range []int64{100, 200, 300} {
		require.NoError(t, l.Record(ctx, fmt.Sprintf("fp%d", i), okEntry(at)))
	}

	removed, err := l.Prune(ctx, 200)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := l.Lookup(ctx, "fp0")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = l.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLedgerRetentionSweepsOldEntries(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(durable.NewMemoryBackend().Namespace("ledger"), WithRetention(time.Second))

	require.NoError(t, l.Record(ctx, "old", okEntry(1_000)))
	for i := 0; i < sweepEvery; i++ {
		require.NoError(t, l.Record(ctx, fmt.Sprintf("new%d", i), okEntry(10_000)))
	}

	_, ok, err := l.Lookup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok, "entry past retention is swept")

	n, err := l.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, sweepEvery, n)
}

func TestLedgerWithoutRetentionKeepsEverything(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(durable.NewMemoryBackend().Namespace("ledger"))

	require.NoError(t, l.Record(ctx, "old", okEntry(1)))
	for i := 0; i < sweepEvery; i++ {
		require.NoError(t, l.Record(ctx, fmt.Sprintf("new%d", i), okEntry(1<<40)))
	}

	_, ok, err := l.Lookup(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
}
