package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/conversation"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/registry"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/testutil"
)

type fixture struct {
	backend  durable.Backend
	clock    *testutil.Clock
	registry *registry.Registry
	shards   *conversation.Namespace
	ledger   *Ledger
	coord    *Coordinator
}

func newFixture(t *testing.T, wrap func(Shards) Shards, cfg Config) *fixture {
	t.Helper()
	f := &fixture{backend: durable.NewMemoryBackend(), clock: testutil.NewClock(1_000_000)}
	f.registry = registry.New(context.Background(), f.backend.Namespace("registry"), f.clock, zerolog.Nop())
	t.Cleanup(f.registry.Close)
	f.shards = conversation.NewNamespace(f.backend, zerolog.Nop())
	t.Cleanup(f.shards.Close)
	f.ledger = NewLedger(f.backend.Namespace("ledger"))

	var shards Shards = f.shards
	if wrap != nil {
		shards = wrap(shards)
	}
	f.coord = NewCoordinator(f.registry, shards, f.ledger, f.clock, cfg, zerolog.Nop())
	return f
}

func (f *fixture) messages(t *testing.T, conversationID string) []string {
	t.Helper()
	msgs, err := f.shards.Get(conversationID).Messages(context.Background())
	require.NoError(t, err)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func (f *fixture) sessionIDs(t *testing.T) []string {
	t.Helper()
	list, err := f.registry.ListSessions(context.Background())
	require.NoError(t, err)
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func mutation(t *testing.T, id string, action model.Action, payload model.Payload, ts int64) model.MutationRecord {
	t.Helper()
	rec, err := model.NewMutation(id, action, payload, ts)
	require.NoError(t, err)
	return rec
}

func createConv(t *testing.T, id, title string, ts int64) model.MutationRecord {
	return mutation(t, "mut-"+id, model.ActionCreate,
		model.ConversationPayload{ID: id, Title: title, CreatedAt: ts, UpdatedAt: ts}, ts)
}

func deleteConv(t *testing.T, id string, ts int64) model.MutationRecord {
	return mutation(t, "mut-del-"+id, model.ActionDelete, model.ConversationPayload{ID: id}, ts)
}

func createMsg(t *testing.T, id, conv string, ts int64) model.MutationRecord {
	return mutation(t, "mut-"+id, model.ActionCreate, model.MessagePayload{Message: model.Message{
		ID: id, ConversationID: conv, Role: model.RoleUser, Content: "hello " + id, Timestamp: ts,
	}}, ts)
}

func settingsRec(t *testing.T, id, preferred string, ts int64) model.MutationRecord {
	s := model.DefaultSettings()
	s.PreferredModel = preferred
	return mutation(t, id, model.ActionUpdate, model.SettingsPayload{Settings: s}, ts)
}

type faultyShards struct {
	Shards
	fail  map[string]error
	block map[string]bool
}

func (f *faultyShards) Import(ctx context.Context, id string, msgs []model.Message) error {
	if err := f.fail[id]; err != nil {
		return err
	}
	if f.block[id] {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.Shards.Import(ctx, id, msgs)
}

func TestReconcileFullBatch(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	batch := []model.MutationRecord{
		createConv(t, "X", "Trip", 100),
		createMsg(t, "m1", "X", 110),
		createMsg(t, "m2", "X", 120),
	}
	res := f.coord.Reconcile(ctx, batch)

	assert.Equal(t, model.SyncResponse{Success: true, Processed: 3, Errors: []string{}}, res.SyncResponse)
	assert.False(t, res.Replayed)
	assert.NotEmpty(t, res.Fingerprint)

	info, ok, err := f.registry.GetSession(ctx, "X")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SessionInfo{ID: "X", Title: "Trip", CreatedAt: 100, LastActive: 1_000_000}, info)
	assert.Equal(t, []string{"m1", "m2"}, f.messages(t, "X"))
}

func TestReconcileEmptyBatch(t *testing.T) {
	f := newFixture(t, nil, Config{})
	res := f.coord.Reconcile(context.Background(), nil)
	assert.Equal(t, model.SyncResponse{Success: true, Processed: 0, Errors: []string{}}, res.SyncResponse)

	n, err := f.ledger.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	batch := []model.MutationRecord{
		createConv(t, "X", "Trip", 100),
		createMsg(t, "m1", "X", 110),
	}
	first := f.coord.Reconcile(ctx, batch)
	require.True(t, first.Success)
	before, _, err := f.registry.GetSession(ctx, "X")
	require.NoError(t, err)

	f.clock.Advance(60_000)
	second := f.coord.Reconcile(ctx, batch)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.SyncResponse, second.SyncResponse)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	after, _, err := f.registry.GetSession(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, before, after, "replay must not bump lastActive")
	assert.Equal(t, []string{"m1"}, f.messages(t, "X"))

	n, err := f.ledger.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailedBatchIsNotRecorded(t *testing.T) {
	failing := map[string]error{"X": errors.New("shard offline")}
	f := newFixture(t, func(s Shards) Shards { return &faultyShards{Shards: s, fail: failing} }, Config{})
	ctx := context.Background()

	batch := []model.MutationRecord{createConv(t, "X", "", 100), createMsg(t, "m1", "X", 110)}
	res := f.coord.Reconcile(ctx, batch)
	require.False(t, res.Success)

	delete(failing, "X")
	retry := f.coord.Reconcile(ctx, batch)
	assert.False(t, retry.Replayed)
	assert.True(t, retry.Success)
	assert.Equal(t, []string{"m1"}, f.messages(t, "X"))
}

func TestSettingsLastWriteWins(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		settingsRec(t, "s-a", "model-a", 300),
		settingsRec(t, "s-b", "model-b", 100),
		settingsRec(t, "s-c", "model-c", 200),
	})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Processed)

	got, ok, err := f.registry.Settings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "model-a", got.Settings.PreferredModel)
	assert.Equal(t, int64(300), got.Timestamp)

	// A later batch carrying an older snapshot does not regress settings.
	res = f.coord.Reconcile(ctx, []model.MutationRecord{settingsRec(t, "s-d", "model-d", 250)})
	require.True(t, res.Success)
	got, _, err = f.registry.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got.Settings.PreferredModel)
}

func TestSettingsTieGoesToLaterRecord(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		settingsRec(t, "s-a", "first", 100),
		settingsRec(t, "s-b", "second", 100),
	})
	require.True(t, res.Success)

	got, _, err := f.registry.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Settings.PreferredModel)
}

func TestMessagesOrderedAndDeduplicated(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		createConv(t, "X", "", 100),
		createMsg(t, "m3", "X", 130),
		createMsg(t, "m1", "X", 110),
		createMsg(t, "m2", "X", 120),
	})
	require.True(t, res.Success)
	assert.Equal(t, []string{"m1", "m2", "m3"}, f.messages(t, "X"))

	res = f.coord.Reconcile(ctx, []model.MutationRecord{
		createMsg(t, "m2", "X", 120),
		createMsg(t, "m4", "X", 105),
	})
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"m4", "m1", "m2", "m3"}, f.messages(t, "X"))
}

func TestNonCreateMessageMutationsAreIgnored(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	update := createMsg(t, "m1", "X", 110)
	update.Action = model.ActionUpdate
	res := f.coord.Reconcile(ctx, []model.MutationRecord{createConv(t, "X", "", 100), update})
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, f.messages(t, "X"))
}

func TestShardFailureIsIsolated(t *testing.T) {
	f := newFixture(t, func(s Shards) Shards {
		return &faultyShards{Shards: s, fail: map[string]error{"B": errors.New("boom")}}
	}, Config{})
	ctx := context.Background()

	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		createConv(t, "A", "", 100),
		createConv(t, "B", "", 100),
		createMsg(t, "a1", "A", 110),
		createMsg(t, "b1", "B", 110),
		createMsg(t, "a2", "A", 120),
	})
	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Processed)
	assert.Equal(t, []string{"messages for conversation B: boom"}, res.Errors)

	assert.Equal(t, []string{"a1", "a2"}, f.messages(t, "A"))
	assert.ElementsMatch(t, []string{"A", "B"}, f.sessionIDs(t))
}

func TestShardTimeoutIsIsolated(t *testing.T) {
	f := newFixture(t, func(s Shards) Shards {
		return &faultyShards{Shards: s, block: map[string]bool{"slow": true}}
	}, Config{ShardTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		createMsg(t, "s1", "slow", 110),
		createMsg(t, "f1", "fast", 110),
	})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "slow")
	assert.Contains(t, res.Errors[0], context.DeadlineExceeded.Error())
	assert.Equal(t, []string{"f1"}, f.messages(t, "fast"))
}

func TestDeleteCascadesToMessages(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	require.True(t, f.coord.Reconcile(ctx, []model.MutationRecord{
		createConv(t, "X", "", 100),
		createConv(t, "Y", "", 100),
		createMsg(t, "m1", "X", 110),
	}).Success)

	res := f.coord.Reconcile(ctx, []model.MutationRecord{deleteConv(t, "X", 200)})
	require.True(t, res.Success)
	assert.Equal(t, []string{"Y"}, f.sessionIDs(t))
	assert.Empty(t, f.messages(t, "X"))
}

func TestDeleteOfUnknownConversationIsNotAnError(t *testing.T) {
	f := newFixture(t, nil, Config{})
	res := f.coord.Reconcile(context.Background(), []model.MutationRecord{deleteConv(t, "ghost", 200)})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Processed)
}

func TestMessagesOfConversationDeletedInSameBatchAreDropped(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	res := f.coord.Reconcile(ctx, []model.MutationRecord{
		createConv(t, "X", "", 100),
		createMsg(t, "m1", "X", 110),
		deleteConv(t, "X", 120),
	})
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Processed)
	assert.Empty(t, f.sessionIDs(t))
	assert.Empty(t, f.messages(t, "X"))
}

func TestInvalidRecordIsReported(t *testing.T) {
	f := newFixture(t, nil, Config{})

	bad := model.MutationRecord{ID: "bad", Action: "merge", Store: model.StoreConversations,
		Payload: model.ConversationPayload{ID: "Z"}, Timestamp: 1}
	res := f.coord.Reconcile(context.Background(), []model.MutationRecord{bad, createConv(t, "X", "", 100)})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "invalid mutation bad")
	assert.Equal(t, []string{"X"}, f.sessionIDs(t))
}

func TestObserversSeeEveryBatch(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []model.SyncEvent
	)
	unsubscribe := f.coord.Subscribe(func(ev model.SyncEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	batch := []model.MutationRecord{createConv(t, "X", "", 100)}
	f.coord.Reconcile(ctx, batch)
	f.coord.Reconcile(ctx, batch)
	unsubscribe()
	f.coord.Reconcile(ctx, []model.MutationRecord{createConv(t, "Y", "", 100)})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, model.EventSyncComplete, events[0].Type)
	assert.False(t, events[0].Replayed)
	assert.True(t, events[1].Replayed)
	assert.Equal(t, 1, events[1].Result.Processed)
}

func TestConcurrentIdenticalBatchesApplyOnce(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	batch := []model.MutationRecord{createConv(t, "X", "", 100), createMsg(t, "m1", "X", 110)}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.Reconcile(ctx, batch)
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		assert.True(t, r.Success)
		if !r.Replayed {
			applied++
		}
	}
	assert.GreaterOrEqual(t, applied, 1)
	assert.Equal(t, []string{"m1"}, f.messages(t, "X"))
}

type failingStorage struct{ durable.Storage }

func (failingStorage) Put(context.Context, string, []byte) error { return errors.New("read-only") }

func TestPersistFailureIsReported(t *testing.T) {
	backend := durable.NewMemoryBackend()
	clock := testutil.NewClock(1000)
	reg := registry.New(context.Background(), failingStorage{backend.Namespace("registry")}, clock, zerolog.Nop())
	t.Cleanup(reg.Close)
	shards := conversation.NewNamespace(backend, zerolog.Nop())
	t.Cleanup(shards.Close)
	coord := NewCoordinator(reg, shards, nil, clock, Config{}, zerolog.Nop())

	res := coord.Reconcile(context.Background(), []model.MutationRecord{createConv(t, "X", "", 100)})
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "persist sessions")
}

type gatedShards struct {
	Shards
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedShards) Import(ctx context.Context, id string, msgs []model.Message) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Shards.Import(ctx, id, msgs)
}

func TestSharedBatchOutlivesCancelledCaller(t *testing.T) {
	gate := &gatedShards{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(s Shards) Shards {
		gate.Shards = s
		return gate
	}, Config{})
	batch := []model.MutationRecord{createConv(t, "X", "", 100), createMsg(t, "m1", "X", 110)}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan Result, 1)
	go func() { first <- f.coord.Reconcile(firstCtx, batch) }()
	<-gate.entered

	second := make(chan Result, 1)
	go func() { second <- f.coord.Reconcile(context.Background(), batch) }()

	// The first client gives up while the batch is being applied.
	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	for _, ch := range []chan Result{first, second} {
		select {
		case res := <-ch:
			assert.True(t, res.Success, "errors: %v", res.Errors)
		case <-time.After(5 * time.Second):
			t.Fatal("reconcile did not finish")
		}
	}
	assert.Equal(t, []string{"m1"}, f.messages(t, "X"))
	assert.Equal(t, []string{"X"}, f.sessionIDs(t))
}

func TestBatchTimeoutBoundsSharedRun(t *testing.T) {
	f := newFixture(t, func(s Shards) Shards {
		return &faultyShards{Shards: s, block: map[string]bool{"slow": true}}
	}, Config{ShardTimeout: time.Hour, BatchTimeout: 50 * time.Millisecond})

	start := time.Now()
	res := f.coord.Reconcile(context.Background(), []model.MutationRecord{createMsg(t, "s1", "slow", 110)})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.Success)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "messages for conversation slow")
	assert.Contains(t, res.Errors[0], context.DeadlineExceeded.Error())
}
