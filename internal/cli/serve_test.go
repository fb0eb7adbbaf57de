package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/config"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/transport"
)

func TestServerStackServesHealth(t *testing.T) {
	stack, err := newServerStack(config.ServerConfig{StorageDSN: "memory://"}, zerolog.Nop())
	require.NoError(t, err)
	defer stack.Close()

	rec := httptest.NewRecorder()
	stack.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStackRejectsBadDSN(t *testing.T) {
	_, err := newServerStack(config.ServerConfig{StorageDSN: "  "}, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open storage")
}

func TestServerStackPersistsToSQLite(t *testing.T) {
	dsn := "sqlite://" + t.TempDir() + "/server.db"

	stack, err := newServerStack(config.ServerConfig{StorageDSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(stack.api)

	isolateEnv(t)
	c := newClient(t, srv.URL)
	var conv model.Conversation
	c.json(&conv, "conversation", "new", "Durable")
	c.json(nil, "sync")

	stack.api.Close()
	srv.Close()
	require.NoError(t, stack.Close())

	reopened, err := newServerStack(config.ServerConfig{StorageDSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	srv = httptest.NewServer(reopened.api)
	defer func() {
		reopened.api.Close()
		srv.Close()
		reopened.Close()
	}()

	sessions, err := transport.NewClient(srv.URL, nil, zerolog.Nop()).ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, conv.ID, sessions[0].ID)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	isolateEnv(t)
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"serve", "--addr", "127.0.0.1:0", "--storage", "memory://"})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
	assert.Contains(t, stderr.String(), "sync server listening")
	assert.Contains(t, stderr.String(), "sync server stopped")
}

func TestServeListenError(t *testing.T) {
	isolateEnv(t)
	r := run(t, "serve", "--addr", "not-an-address", "--storage", "memory://")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "listen")
}

func TestDaemonSyncsPendingChanges(t *testing.T) {
	server := startServer(t)
	c := newClient(t, server)
	var conv model.Conversation
	c.json(&conv, "conversation", "new", "Background")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--db", c.db, "--server", server, "daemon", "--always"})
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	remote := transport.NewClient(server, nil, zerolog.Nop())
	assert.Eventually(t, func() bool {
		sessions, err := remote.ListSessions(context.Background())
		return err == nil && len(sessions) == 1 && sessions[0].ID == conv.ID
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Contains(t, stdout.String(), "Pending changes: 1")
	assert.Contains(t, stdout.String(), "Synced 1 change(s); server processed 1.")
}

func TestHostConfigFromSettings(t *testing.T) {
	cfg := hostConfig(config.HostConfig{BackoffMin: time.Second, BackoffMax: time.Minute, ProbeInterval: 2 * time.Second})
	assert.Equal(t, time.Second, cfg.BackoffMin)
	assert.Equal(t, time.Minute, cfg.BackoffMax)
	assert.Equal(t, 2*time.Second, cfg.ProbeInterval)
}
