package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// NewSessionsCommand creates the sessions command group. It reads the
// server's session registry, not the local store.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the server's session registry",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List server sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := rootOpts.client().ListSessions(cmd.Context())
			if err != nil {
				return operationError("list sessions", err)
			}
			return rootOpts.output(cmd).Emit(sessions, func(w io.Writer) {
				if len(sessions) == 0 {
					fmt.Fprintln(w, "No sessions.")
					return
				}
				for _, s := range sessions {
					fmt.Fprintf(w, "%s  %s  %s\n", s.ID, formatMillis(s.LastActive), s.Title)
				}
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "List the messages the server holds for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := rootOpts.client().Messages(cmd.Context(), args[0])
			if err != nil {
				return operationError("list server messages", err)
			}
			return rootOpts.output(cmd).Emit(msgs, func(w io.Writer) {
				printMessages(w, msgs)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every session from the server registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := rootOpts.client().ClearSessions(cmd.Context())
			if err != nil {
				return operationError("clear sessions", err)
			}
			return rootOpts.output(cmd).Emit(map[string]int{"removed": removed}, func(w io.Writer) {
				fmt.Fprintf(w, "Removed %d session(s).\n", removed)
			})
		},
	})

	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream sync-complete events from the server",
		Long: `Subscribe to the server's event stream and print one line per reconciled
batch until interrupted or the server goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := rootOpts.signalContext(cmd.Context())
			defer cancel()

			out := rootOpts.output(cmd)
			err := rootOpts.client().Events(ctx, func(ev model.SyncEvent) {
				_ = out.Emit(ev, func(w io.Writer) {
					printEvent(w, ev)
				})
			})
			if err != nil {
				return operationError("watch events", err)
			}
			return nil
		},
	}
}

func printEvent(w io.Writer, ev model.SyncEvent) {
	status := "ok"
	if !ev.Result.Success {
		status = fmt.Sprintf("%d error(s)", len(ev.Result.Errors))
	}
	replay := ""
	if ev.Replayed {
		replay = " (replay)"
	}
	fmt.Fprintf(w, "[%s] %s: processed %d, %s%s\n",
		formatMillis(ev.Timestamp), ev.Type, ev.Result.Processed, status, replay)
	for _, e := range ev.Result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
