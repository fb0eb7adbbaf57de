package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/testutil"
)

// setupTestStore opens a store in a temp dir with a stepping clock
// (1000, 1010, ...) and sequential ids.
func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	base := []Option{
		WithClock(testutil.NewSteppingClock(1000, 10)),
		WithIDGenerator(testutil.NewSequentialIDs("id")),
	}
	s, err := Open(path, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	require.Error(t, err)
	assert.True(t, model.IsStorage(err))
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	assert.NoError(t, s.Close())
}

func TestPragmas(t *testing.T) {
	s := setupTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(schemaSQL)
	require.NoError(t, err)
	_, err = db.Exec("PRAGMA user_version = 0")
	require.NoError(t, err)
	db.Close()

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	var name string
	err = s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_messages_conversation_timestamp'",
	).Scan(&name)
	assert.NoError(t, err)
}

func TestCreateConversationQueuesCreate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	conv, err := s.CreateConversation(ctx, "Trip plans")
	require.NoError(t, err)
	assert.Equal(t, "id-1", conv.ID)
	assert.Equal(t, int64(1000), conv.CreatedAt)

	batch, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)

	rec := batch.Records[0]
	assert.Equal(t, "id-2", rec.ID)
	assert.Equal(t, model.ActionCreate, rec.Action)
	assert.Equal(t, model.StoreConversations, rec.Store)
	p, ok := rec.Conversation()
	require.True(t, ok)
	assert.Equal(t, model.ConversationPayload{ID: conv.ID, Title: "Trip plans", CreatedAt: 1000, UpdatedAt: 1000}, p)

	// Drain is non-destructive.
	again, err := s.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch, again)
}

func TestCreateConversationDefaultTitle(t *testing.T) {
	s := setupTestStore(t, WithClock(testutil.NewClock(1709640000000)))

	conv, err := s.CreateConversation(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "Chat 2024-03-05", conv.Title)
}

func TestTimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(5000)
	s := setupTestStore(t, WithClock(clock))

	conv, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)

	clock.Set(100) // wall clock steps backwards
	_, err = s.AddMessage(ctx, conv.ID, model.RoleUser, "hello")
	require.NoError(t, err)

	clock.Set(6000)
	_, err = s.AddMessage(ctx, conv.ID, model.RoleAssistant, "hi")
	require.NoError(t, err)

	batch, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, int64(5000), batch.Records[0].Timestamp)
	assert.Equal(t, int64(5000), batch.Records[1].Timestamp)
	assert.Equal(t, int64(6000), batch.Records[2].Timestamp)
}

func TestTimestampsResumeAfterReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "client.db")

	s, err := Open(path, WithClock(testutil.NewClock(9000)))
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, WithClock(testutil.NewClock(10)))
	require.NoError(t, err)
	defer s.Close()
	conv, err := s.CreateConversation(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), conv.CreatedAt)
}

func TestUpdateConversationTitle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	conv, err := s.CreateConversation(ctx, "old")
	require.NoError(t, err)
	require.NoError(t, s.UpdateConversationTitle(ctx, conv.ID, "new"))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Title)
	assert.Equal(t, int64(1010), got.UpdatedAt)

	batch, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	p, _ := batch.Records[1].Conversation()
	assert.Equal(t, model.ActionUpdate, batch.Records[1].Action)
	assert.Equal(t, model.ConversationPayload{ID: conv.ID, Title: "new", UpdatedAt: 1010}, p)
}

func TestUpdateConversationTitleMissing(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	err := s.UpdateConversationTitle(ctx, "nope", "x")
	assert.True(t, model.IsNotFound(err))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteConversationCascades(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	keep, err := s.CreateConversation(ctx, "keep")
	require.NoError(t, err)
	conv, err := s.CreateConversation(ctx, "doomed")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.AddMessage(ctx, conv.ID, model.RoleUser, "m")
		require.NoError(t, err)
	}
	_, err = s.AddMessage(ctx, keep.ID, model.RoleUser, "stays")
	require.NoError(t, err)

	before, err := s.PendingCount(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeleteConversation(ctx, conv.ID))

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	kept, err := s.Messages(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 1)

	_, err = s.GetConversation(ctx, conv.ID)
	assert.True(t, model.IsNotFound(err))

	batch, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, before+1, "exactly one mutation for the whole cascade")
	last := batch.Records[len(batch.Records)-1]
	assert.Equal(t, model.ActionDelete, last.Action)
	p, _ := last.Conversation()
	assert.Equal(t, model.ConversationPayload{ID: conv.ID}, p)
}

func TestDeleteConversationMissing(t *testing.T) {
	s := setupTestStore(t)
	err := s.DeleteConversation(context.Background(), "ghost")
	assert.True(t, model.IsNotFound(err))
}

func TestAddMessage(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	conv, err := s.CreateConversation(ctx, "c")
	require.NoError(t, err)
	msg, err := s.AddMessage(ctx, conv.ID, model.RoleUser, "hello")
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Timestamp, got.UpdatedAt, "message touches conversation")

	msgs, err := s.Messages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{msg}, msgs)

	batch, err := s.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2, "the updatedAt touch is not queued")
	m, ok := batch.Records[1].Message()
	require.True(t, ok)
	assert.Equal(t, msg, m)
}

func TestAddMessageRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	_, err := s.AddMessage(ctx, "ghost", model.RoleUser, "x")
	assert.True(t, model.IsNotFound(err))

	conv, err := s.CreateConversation(ctx, "c")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, conv.ID, model.Role("system"), "x")
	assert.True(t, model.IsInvalidMutation(err))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEntityWriteRollsBackWhenAppendFails(t *testing.T) {
	ctx := context.Background()
	// The second conversation reuses mutation id "m1", violating UNIQUE(id).
	s := setupTestStore(t, WithIDGenerator(model.NewFixedGenerator("c1", "m1", "c2", "m1")))

	_, err := s.CreateConversation(ctx, "first")
	require.NoError(t, err)

	_, err = s.CreateConversation(ctx, "second")
	require.Error(t, err)
	assert.True(t, model.IsStorage(err))

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1, "entity write rolled back with the failed append")
	assert.Equal(t, "c1", convs[0].ID)
}

func TestListConversationsByUpdatedAt(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	a, err := s.CreateConversation(ctx, "a")
	require.NoError(t, err)
	b, err := s.CreateConversation(ctx, "b")
	require.NoError(t, err)
	_, err = s.AddMessage(ctx, a.ID, model.RoleUser, "bump")
	require.NoError(t, err)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, a.ID, convs[0].ID)
	assert.Equal(t, b.ID, convs[1].ID)
}
