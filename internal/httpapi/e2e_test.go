package httpapi

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/host"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/reconcile"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/testutil"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/transport"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/trigger"
)

// switchable reports offline until flipped, then defers to the real health check.
type switchable struct {
	online atomic.Bool
	client *transport.Client
}

func (s *switchable) Online(ctx context.Context) bool {
	return s.online.Load() && s.client.Online(ctx)
}

type clientSide struct {
	store     *store.Store
	client    *transport.Client
	conn      *switchable
	scheduler *host.Scheduler
	trigger   *trigger.Trigger
}

func newClientSide(t *testing.T, server *testServer) *clientSide {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "client.db"),
		store.WithClock(testutil.NewSteppingClock(1000, 10)),
		store.WithIDGenerator(testutil.NewSequentialIDs("id")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := transport.NewClient(server.http.URL, server.http.Client(), zerolog.Nop())
	conn := &switchable{client: client}
	conn.online.Store(true)

	sched := host.NewScheduler(conn, host.Config{
		BackoffMin:    10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(sched.Close)

	flusher := trigger.NewFlusher(st, client, nil, zerolog.Nop())
	trg := trigger.New(flusher, conn, sched, zerolog.Nop())
	t.Cleanup(trg.Close)

	return &clientSide{store: st, client: client, conn: conn, scheduler: sched, trigger: trg}
}

func (c *clientSide) pending(t *testing.T) int {
	t.Helper()
	n, err := c.store.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func messageIDs(t *testing.T, c *clientSide, conversationID string) []string {
	t.Helper()
	msgs, err := c.client.Messages(context.Background(), conversationID)
	require.NoError(t, err)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestEndToEndFlushFoldsLogIntoServer(t *testing.T) {
	server := newTestServer(t, nil, ServerConfig{})
	c := newClientSide(t, server)
	ctx := context.Background()

	conv, err := c.store.CreateConversation(ctx, "Trip")
	require.NoError(t, err)
	m1, err := c.store.AddMessage(ctx, conv.ID, model.RoleUser, "where to?")
	require.NoError(t, err)
	m2, err := c.store.AddMessage(ctx, conv.ID, model.RoleAssistant, "Lisbon")
	require.NoError(t, err)
	_, err = c.store.UpdateSettings(ctx, store.SettingsPatch{PreferredModel: ptr("fast-model")})
	require.NoError(t, err)
	assert.Equal(t, 4, c.pending(t))

	report, err := c.trigger.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeFlushed, report.Outcome)
	assert.Equal(t, 4, report.Submitted)
	assert.Zero(t, c.pending(t))

	sessions, err := c.client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, conv.ID, sessions[0].ID)
	assert.Equal(t, "Trip", sessions[0].Title)
	assert.Equal(t, conv.CreatedAt, sessions[0].CreatedAt)

	assert.Equal(t, []string{m1.ID, m2.ID}, messageIDs(t, c, conv.ID))

	settings, found, err := c.client.Settings(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fast-model", settings.PreferredModel)

	local, err := c.store.Settings(ctx)
	require.NoError(t, err)
	assert.NotZero(t, local.LastSync)

	report, err = c.trigger.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeUpToDate, report.Outcome)
}

// A conversation and two messages written offline reach the server once
// connectivity returns, through the host's deferred wake.
func TestEndToEndOfflineThenReconnect(t *testing.T) {
	server := newTestServer(t, nil, ServerConfig{})
	c := newClientSide(t, server)
	ctx := context.Background()
	c.conn.online.Store(false)

	x, err := c.store.CreateConversation(ctx, "X")
	require.NoError(t, err)
	m1, err := c.store.AddMessage(ctx, x.ID, model.RoleUser, "first")
	require.NoError(t, err)
	m2, err := c.store.AddMessage(ctx, x.ID, model.RoleAssistant, "second")
	require.NoError(t, err)

	report, err := c.trigger.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeDeferred, report.Outcome)
	assert.Equal(t, trigger.StateAwaitingConnectivity, c.trigger.State())
	assert.True(t, c.scheduler.Pending(model.SyncTag))
	assert.Equal(t, 3, c.pending(t))

	c.conn.online.Store(true)
	require.Eventually(t, func() bool { return c.pending(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.trigger.State() == trigger.StateIdle }, 5*time.Second, 10*time.Millisecond)

	info, found, err := server.registry.GetSession(ctx, x.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, x.CreatedAt, info.CreatedAt)
	assert.Equal(t, int64(5_000_000), info.LastActive)
	assert.Equal(t, []string{m1.ID, m2.ID}, messageIDs(t, c, x.ID))
}

func TestEndToEndPartialFailureKeepsLog(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	server := newTestServer(t, func(s reconcile.Shards) reconcile.Shards {
		return &toggleShards{Shards: s, failing: &failing}
	}, ServerConfig{})
	c := newClientSide(t, server)
	ctx := context.Background()

	conv, err := c.store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = c.store.AddMessage(ctx, conv.ID, model.RoleUser, "hello")
	require.NoError(t, err)

	_, err = c.trigger.Request(ctx)
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrCodeBatchRejected))
	assert.Equal(t, 2, c.pending(t), "a partly applied batch is resubmitted whole")

	local, err := c.store.Settings(ctx)
	require.NoError(t, err)
	require.Len(t, local.ErrorsLog, 1)
	assert.Contains(t, local.ErrorsLog[0], "shard unavailable")

	failing.Store(false)
	report, err := c.trigger.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeFlushed, report.Outcome)
	assert.Zero(t, c.pending(t))
	assert.Len(t, messageIDs(t, c, conv.ID), 1)
}

func TestEndToEndDeleteCascades(t *testing.T) {
	server := newTestServer(t, nil, ServerConfig{})
	c := newClientSide(t, server)
	ctx := context.Background()

	keep, err := c.store.CreateConversation(ctx, "keep")
	require.NoError(t, err)
	drop, err := c.store.CreateConversation(ctx, "drop")
	require.NoError(t, err)
	_, err = c.store.AddMessage(ctx, drop.ID, model.RoleUser, "bye")
	require.NoError(t, err)
	_, err = c.trigger.Request(ctx)
	require.NoError(t, err)
	require.Len(t, messageIDs(t, c, drop.ID), 1)

	require.NoError(t, c.store.DeleteConversation(ctx, drop.ID))
	_, err = c.trigger.Request(ctx)
	require.NoError(t, err)

	sessions, err := c.client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, keep.ID, sessions[0].ID)
	assert.Empty(t, messageIDs(t, c, drop.ID))
}

func TestEndToEndServerDownIsTransient(t *testing.T) {
	server := newTestServer(t, nil, ServerConfig{})
	c := newClientSide(t, server)
	ctx := context.Background()

	_, err := c.store.CreateConversation(ctx, "x")
	require.NoError(t, err)
	server.http.Close()

	// The health probe fails, so the request is deferred rather than failed.
	report, err := c.trigger.Request(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.OutcomeDeferred, report.Outcome)
	assert.Equal(t, 1, c.pending(t))

	// Submitting directly surfaces a transient transport error.
	_, err = c.client.Submit(ctx, nil)
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

type toggleShards struct {
	reconcile.Shards
	failing *atomic.Bool
}

func (s *toggleShards) Import(ctx context.Context, id string, msgs []model.Message) error {
	if s.failing.Load() {
		return errors.New("shard unavailable")
	}
	return s.Shards.Import(ctx, id, msgs)
}

func ptr[T any](v T) *T { return &v }
