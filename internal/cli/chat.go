package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/chat"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
)

// NewChatCommand creates the chat command group.
func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "send <conversation-id> <prompt...>",
		Short: "Send a prompt and stream the answer",
		Long: `Send a prompt to a conversation and stream the answer.

Both the prompt and the answer are stored as messages and queued for the
next sync. The answer comes from the local offline provider.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args[1:], " ")
			out := rootOpts.output(cmd)
			// Interrupting keeps the prompt stored without an answer.
			ctx, cancel := rootOpts.signalContext(cmd.Context())
			defer cancel()

			return rootOpts.withStore(func(st *store.Store) error {
				provider := &chat.OfflineProvider{Delay: rootOpts.Config.Client.ChunkDelay}
				assistant := chat.NewAssistant(st, provider, rootOpts.Logger)

				var onChunk chat.ChunkFunc
				if !out.JSON() {
					onChunk = func(chunk string) {
						fmt.Fprint(out.Writer, chunk)
					}
				}
				exchange, err := assistant.Reply(ctx, args[0], prompt, onChunk)
				if err != nil {
					return operationError("chat", err)
				}
				return out.Emit(exchange, func(w io.Writer) {
					fmt.Fprintln(w)
				})
			})
		},
	})

	return cmd
}
