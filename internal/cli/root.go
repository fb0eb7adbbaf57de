package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/config"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/transport"
)

// RootOptions holds global flags for all commands, plus the configuration
// and logger resolved from them before any command runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	DB         string // overrides client.db
	ServerURL  string // overrides client.server_url

	Config *config.Config
	Logger zerolog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the promptgenie CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promptgenie",
		Short: "PromptGenie - offline-first chat with background sync",
		Long: `An offline-first chat client whose local edits are queued in a mutation
log and folded into a server-side session registry and per-conversation
message shards when connectivity allows.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.resolve(cmd.ErrOrStderr())
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "path to the local database (overrides client.db)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "sync server base URL (overrides client.server_url)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConversationCommand(opts))
	cmd.AddCommand(NewMessageCommand(opts))
	cmd.AddCommand(NewSettingsCommand(opts))
	cmd.AddCommand(NewChatCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// Execute runs the CLI with args and returns the process exit code. Errors
// are reported on stderr, or as a JSON envelope on stdout with --format json.
func Execute(args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}
	out := &OutputFormatter{Format: opts.Format, Writer: stdout, ErrWriter: stderr, Verbose: opts.Verbose}
	if !isValidFormat(out.Format) {
		out.Format = "text"
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Quiet {
		_ = out.Report(err)
	}
	return GetExitCode(err)
}

// resolve loads configuration, applies flag overrides and builds the logger.
func (o *RootOptions) resolve(stderr io.Writer) error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DB != "" {
		cfg.Client.DB = o.DB
	}
	if o.ServerURL != "" {
		cfg.Client.ServerURL = o.ServerURL
	}
	o.Config = cfg

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return WrapExitError(ExitCommandError, "log level", err)
	}
	if o.Verbose {
		level = zerolog.DebugLevel
	}
	o.Logger = newLogger(stderr, o.Format, level)
	return nil
}

// newLogger writes JSON lines when output is JSON, and a console format
// otherwise. Logs always go to stderr so stdout stays parseable.
func newLogger(w io.Writer, format string, level zerolog.Level) zerolog.Logger {
	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// output returns a formatter bound to cmd's writers.
func (o *RootOptions) output(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openStore opens the local client store named by the configuration.
func (o *RootOptions) openStore() (*store.Store, error) {
	st, err := store.Open(o.Config.Client.DB,
		store.WithLogger(o.Logger),
		store.WithErrorLogLimit(o.Config.Client.ErrorLogLimit),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open local store", err)
	}
	return st, nil
}

// client returns a sync client for the configured server.
func (o *RootOptions) client() *transport.Client {
	return transport.NewClient(o.Config.Client.ServerURL, nil, o.Logger)
}

// withStore opens the local store, runs fn and closes the store.
func (o *RootOptions) withStore(fn func(st *store.Store) error) error {
	st, err := o.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func (o *RootOptions) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			o.Logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
