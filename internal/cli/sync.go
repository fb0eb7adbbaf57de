package cli

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/config"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/host"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/transport"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/trigger"
)

const probeTimeout = 2 * time.Second

// syncEngine is the client side of sync: local store, server client, the
// host scheduler for deferred wakes and the trigger deciding when to flush.
type syncEngine struct {
	store     *store.Store
	client    *transport.Client
	scheduler *host.Scheduler
	trigger   *trigger.Trigger
}

func hostConfig(cfg config.HostConfig) host.Config {
	return host.Config{
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
		ProbeInterval: cfg.ProbeInterval,
	}
}

func newSyncEngine(st *store.Store, client *transport.Client, cfg config.HostConfig, logger zerolog.Logger) *syncEngine {
	scheduler := host.NewScheduler(client, hostConfig(cfg), logger)
	flusher := trigger.NewFlusher(st, client, nil, logger)
	return &syncEngine{
		store:     st,
		client:    client,
		scheduler: scheduler,
		trigger:   trigger.New(flusher, client, scheduler, logger),
	}
}

// Close cancels any deferred wake and stops the scheduler.
func (e *syncEngine) Close() {
	e.trigger.Close()
	e.scheduler.Close()
}

// syncView is the printable outcome of a sync request.
type syncView struct {
	Outcome   trigger.Outcome `json:"outcome"`
	Submitted int             `json:"submitted"`
	Processed int             `json:"processed"`
	Errors    []string        `json:"errors,omitempty"`
	Pending   int             `json:"pending"`
	At        int64           `json:"at,omitempty"`
}

func newSyncView(r trigger.Report, pending int) syncView {
	return syncView{
		Outcome:   r.Outcome,
		Submitted: r.Submitted,
		Processed: r.Result.Processed,
		Errors:    r.Result.Errors,
		Pending:   pending,
		At:        r.At,
	}
}

func printSync(w io.Writer, v syncView) {
	switch v.Outcome {
	case trigger.OutcomeFlushed:
		fmt.Fprintf(w, "Synced %d change(s); server processed %d.\n", v.Submitted, v.Processed)
	case trigger.OutcomeUpToDate:
		fmt.Fprintln(w, "Everything is already up to date.")
	case trigger.OutcomeSkipped:
		fmt.Fprintln(w, "A sync is already running.")
	case trigger.OutcomeDeferred:
		fmt.Fprintf(w, "Offline: %d change(s) stay queued until the server is reachable.\n", v.Pending)
	default:
		fmt.Fprintf(w, "Sync %s: %d change(s) stay queued.\n", v.Outcome, v.Pending)
	}
}

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Wait bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes to the server",
		Long: `Send every queued change to the server as one batch.

The queue is cleared only when the server applies the whole batch. If the
server is unreachable the request is deferred; with --wait the command stays
up, probing connectivity and retrying with backoff, until the batch lands.

Exit codes:
  0 - Synced, already up to date, or deferred
  1 - The server rejected part of the batch (changes stay queued)
  2 - The server could not be reached or the local store failed`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "when offline, wait for connectivity and sync")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	ctx, cancel := opts.signalContext(cmd.Context())
	defer cancel()

	return opts.withStore(func(st *store.Store) error {
		engine := newSyncEngine(st, opts.client(), opts.Config.Host, opts.Logger)
		defer engine.Close()

		woken := make(chan trigger.Report, 1)
		unsubscribe := engine.trigger.Subscribe(func(r trigger.Report) {
			select {
			case woken <- r:
			default:
			}
		})
		defer unsubscribe()

		report, err := engine.trigger.Request(ctx)
		if err != nil {
			return operationError("sync", err)
		}
		if report.Outcome == trigger.OutcomeDeferred && opts.Wait {
			opts.Logger.Info().Str("server", opts.Config.Client.ServerURL).Msg("waiting for the server")
			select {
			case report = <-woken:
			case <-ctx.Done():
				return WrapExitError(ExitFailure, "sync interrupted", ctx.Err())
			}
		}

		pending, err := st.PendingCount(ctx)
		if err != nil {
			return operationError("count pending", err)
		}
		view := newSyncView(report, pending)
		return opts.output(cmd).Emit(view, func(w io.Writer) {
			printSync(w, view)
		})
	})
}

// statusView is the printable sync status.
type statusView struct {
	Pending   int      `json:"pending"`
	LastSync  int64    `json:"lastSync"`
	AutoSync  bool     `json:"autoSync"`
	Server    string   `json:"server"`
	Online    bool     `json:"online"`
	ErrorsLog []string `json:"errorsLog"`
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	ClearErrors bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, last sync and logged sync errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStore(func(st *store.Store) error {
				if opts.ClearErrors {
					if err := st.ClearErrorLog(ctx); err != nil {
						return operationError("clear error log", err)
					}
				}
				pending, err := st.PendingCount(ctx)
				if err != nil {
					return operationError("count pending", err)
				}
				settings, err := st.Settings(ctx)
				if err != nil {
					return operationError("read settings", err)
				}

				client := opts.client()
				probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
				online := client.Online(probeCtx)
				cancel()

				view := statusView{
					Pending:   pending,
					LastSync:  settings.LastSync,
					AutoSync:  settings.AutoSync,
					Server:    client.BaseURL(),
					Online:    online,
					ErrorsLog: settings.ErrorsLog,
				}
				return opts.output(cmd).Emit(view, func(w io.Writer) {
					printStatus(w, view)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&opts.ClearErrors, "clear-errors", false, "empty the sync error log first")

	return cmd
}

func printStatus(w io.Writer, v statusView) {
	state := "unreachable"
	if v.Online {
		state = "reachable"
	}
	fmt.Fprintf(w, "Pending changes: %d\n", v.Pending)
	fmt.Fprintf(w, "Last sync:       %s\n", formatMillis(v.LastSync))
	fmt.Fprintf(w, "Auto sync:       %t\n", v.AutoSync)
	fmt.Fprintf(w, "Server:          %s (%s)\n", v.Server, state)
	if len(v.ErrorsLog) == 0 {
		return
	}
	fmt.Fprintf(w, "Sync errors (%d):\n", len(v.ErrorsLog))
	for _, e := range v.ErrorsLog {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Always bool
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch the local store and sync in the background",
		Long: `Run in the background, watching the local database for changes made by
other promptgenie commands.

When auto sync is on (settings set --auto-sync) or --always is given, every
change triggers a sync. While the server is unreachable the sync waits for
connectivity; failed attempts are retried with exponential backoff.
Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Always, "always", false, "sync on every change even when auto sync is off")

	return cmd
}

// lockedOutput serialises output written from watcher and scheduler goroutines.
type lockedOutput struct {
	mu  sync.Mutex
	out *OutputFormatter
}

func (l *lockedOutput) emit(data any, text func(w io.Writer)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.out.Emit(data, text)
}

type pendingView struct {
	Pending int `json:"pending"`
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	ctx, cancel := opts.signalContext(cmd.Context())
	defer cancel()
	logger := opts.Logger

	return opts.withStore(func(st *store.Store) error {
		engine := newSyncEngine(st, opts.client(), opts.Config.Host, logger)
		defer engine.Close()

		out := &lockedOutput{out: opts.output(cmd)}
		unsubscribe := engine.trigger.Subscribe(func(r trigger.Report) {
			view := newSyncView(r, 0)
			out.emit(view, func(w io.Writer) { printSync(w, view) })
		})
		defer unsubscribe()

		onChange := func(pending int) {
			out.emit(pendingView{Pending: pending}, func(w io.Writer) {
				fmt.Fprintf(w, "Pending changes: %d\n", pending)
			})
			if pending == 0 {
				return
			}
			if !opts.Always {
				settings, err := st.Settings(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("read settings")
					return
				}
				if !settings.AutoSync {
					logger.Debug().Int("pending", pending).Msg("auto sync is off")
					return
				}
			}
			requestSync(ctx, engine, logger)
		}

		logger.Info().Str("db", st.Path()).Str("server", engine.client.BaseURL()).Msg("daemon started")
		if err := store.NewFileWatcher(st, logger).Run(ctx, onChange); err != nil {
			return WrapExitError(ExitCommandError, "watch local store", err)
		}
		logger.Info().Msg("daemon stopped")
		return nil
	})
}

// requestSync asks the trigger to flush. A transient failure hands the flush
// to the host scheduler, which retries it with backoff.
func requestSync(ctx context.Context, engine *syncEngine, logger zerolog.Logger) {
	report, err := engine.trigger.Request(ctx)
	if err == nil {
		logger.Debug().Str("outcome", string(report.Outcome)).Msg("sync requested")
		return
	}
	if ctx.Err() != nil {
		return
	}
	logger.Warn().Err(err).Msg("sync failed")
	if !model.IsTransient(err) {
		return
	}
	if err := engine.trigger.Retry(); err != nil {
		logger.Error().Err(err).Msg("schedule sync retry")
	}
}
