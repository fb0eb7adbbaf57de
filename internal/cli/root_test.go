package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/config"
)

// isolateEnv blanks the configuration environment; empty values are ignored.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		config.EnvServerAddr, config.EnvStorageDSN, config.EnvDB, config.EnvServerURL, config.EnvShardTimeout,
	} {
		t.Setenv(name, "")
	}
}

type cliRun struct {
	stdout string
	stderr string
	code   int
}

// run executes the CLI the way main does.
func run(t *testing.T, args ...string) cliRun {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr)
	return cliRun{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

// envelope is CLIResponse with the payload left raw for typed decoding.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

// decode parses a single JSON response and decodes its data into out.
func (r cliRun) decode(t *testing.T, out any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(r.stdout), &env), "stdout: %s\nstderr: %s", r.stdout, r.stderr)
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

// client is a test CLI session bound to one local database and server URL.
type client struct {
	t      *testing.T
	db     string
	server string
	extra  []string
}

func newClient(t *testing.T, server string) *client {
	t.Helper()
	isolateEnv(t)
	return &client{t: t, db: filepath.Join(t.TempDir(), "client.db"), server: server}
}

func (c *client) run(args ...string) cliRun {
	c.t.Helper()
	full := append([]string{"--db", c.db, "--server", c.server}, c.extra...)
	return run(c.t, append(full, args...)...)
}

// json runs a command with --format json, requires it to succeed and decodes its data.
func (c *client) json(out any, args ...string) {
	c.t.Helper()
	r := c.run(append([]string{"--format", "json"}, args...)...)
	require.Equal(c.t, ExitSuccess, r.code, "stdout: %s\nstderr: %s", r.stdout, r.stderr)
	env := r.decode(c.t, out)
	require.Equal(c.t, "ok", env.Status)
}

// startServer runs an in-memory sync server for the duration of the test.
func startServer(t *testing.T) string {
	t.Helper()
	stack, err := newServerStack(config.ServerConfig{StorageDSN: "memory://"}, zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(stack.api)
	t.Cleanup(func() {
		stack.api.Close()
		srv.Close()
		stack.Close()
	})
	return srv.URL
}

// deadServer returns the URL of a server that is no longer listening.
func deadServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return url
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "promptgenie", cmd.Use)
	assert.Contains(t, cmd.Long, "offline-first")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"conversation", "new"},
		{"conversation", "rename"},
		{"conversation", "delete"},
		{"conversation", "list"},
		{"message", "add"},
		{"message", "list"},
		{"settings", "show"},
		{"settings", "set"},
		{"chat", "send"},
		{"sync"},
		{"status"},
		{"daemon"},
		{"sessions", "list"},
		{"sessions", "messages"},
		{"sessions", "clear"},
		{"watch"},
		{"test"},
	}

	for _, path := range commands {
		name := strings.Join(path, " ")
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %s should exist", name)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "server"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "", flag.DefValue, name)
	}
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	assert.NotNil(t, serveCmd.Flags().Lookup("storage"))
}

func TestSettingsSetFlags(t *testing.T) {
	cmd := NewRootCommand()
	setCmd, _, err := cmd.Find([]string{"settings", "set"})
	require.NoError(t, err)

	assert.NotNil(t, setCmd.Flags().Lookup("model"))
	assert.NotNil(t, setCmd.Flags().Lookup("auto-sync"))
	assert.NotNil(t, setCmd.Flags().Lookup("api-key"))
}

func TestInvalidFormat(t *testing.T) {
	isolateEnv(t)
	r := run(t, "--format", "xml", "status")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, `invalid format "xml"`)
}

func TestUnknownCommand(t *testing.T) {
	isolateEnv(t)
	r := run(t, "frobnicate")
	assert.Equal(t, ExitFailure, r.code)
	assert.Contains(t, r.stderr, "unknown command")
}

func TestBadConfigFile(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  error_log_limit: 0\n"), 0644))

	r := run(t, "--config", path, "status")
	assert.Equal(t, ExitCommandError, r.code)
	assert.Contains(t, r.stderr, "load config")
}

func TestFlagsOverrideConfig(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  db: from-file.db\n  server_url: http://file.example\n"), 0644))

	opts := &RootOptions{ConfigPath: path, DB: "from-flag.db", Format: "text"}
	require.NoError(t, opts.resolve(&bytes.Buffer{}))
	assert.Equal(t, "from-flag.db", opts.Config.Client.DB)
	assert.Equal(t, "http://file.example", opts.Config.Client.ServerURL)
}

func TestVerboseLowersLogLevel(t *testing.T) {
	isolateEnv(t)
	opts := &RootOptions{Format: "text", Verbose: true}
	require.NoError(t, opts.resolve(&bytes.Buffer{}))
	assert.Equal(t, zerolog.DebugLevel, opts.Logger.GetLevel())

	opts = &RootOptions{Format: "text"}
	require.NoError(t, opts.resolve(&bytes.Buffer{}))
	assert.Equal(t, zerolog.InfoLevel, opts.Logger.GetLevel())
}

func TestJSONFormatLogsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "json", zerolog.InfoLevel)
	logger.Info().Int("pending", 3).Msg("queued")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "queued", line["message"])
	assert.Equal(t, float64(3), line["pending"])
}
