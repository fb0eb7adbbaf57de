package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
)

// NewConversationCommand creates the conversation command group.
func NewConversationCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Manage local conversations",
		Long: `Create, rename, delete and list conversations in the local store.

Every change is applied locally at once and queued for the next sync.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "new [title]",
		Short: "Create a conversation",
		Long: `Create a conversation. Without a title, it is named after today's date,
for example "Chat 2026-10-19".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) == 1 {
				title = args[0]
			}
			return rootOpts.withStore(func(st *store.Store) error {
				conv, err := st.CreateConversation(cmd.Context(), title)
				if err != nil {
					return operationError("create conversation", err)
				}
				return rootOpts.output(cmd).Emit(conv, func(w io.Writer) {
					fmt.Fprintf(w, "Created conversation %s (%s)\n", conv.ID, conv.Title)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withStore(func(st *store.Store) error {
				if err := st.UpdateConversationTitle(cmd.Context(), args[0], args[1]); err != nil {
					return operationError("rename conversation", err)
				}
				conv, err := st.GetConversation(cmd.Context(), args[0])
				if err != nil {
					return operationError("read conversation", err)
				}
				return rootOpts.output(cmd).Emit(conv, func(w io.Writer) {
					fmt.Fprintf(w, "Renamed conversation %s to %s\n", conv.ID, conv.Title)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withStore(func(st *store.Store) error {
				if err := st.DeleteConversation(cmd.Context(), args[0]); err != nil {
					return operationError("delete conversation", err)
				}
				return rootOpts.output(cmd).Emit(map[string]string{"id": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted conversation %s\n", args[0])
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withStore(func(st *store.Store) error {
				convs, err := st.ListConversations(cmd.Context())
				if err != nil {
					return operationError("list conversations", err)
				}
				return rootOpts.output(cmd).Emit(convs, func(w io.Writer) {
					if len(convs) == 0 {
						fmt.Fprintln(w, "No conversations.")
						return
					}
					for _, c := range convs {
						fmt.Fprintf(w, "%s  %s  %s\n", c.ID, formatMillis(c.UpdatedAt), c.Title)
					}
				})
			})
		},
	})

	return cmd
}

// MessageOptions holds flags for the message add command.
type MessageOptions struct {
	*RootOptions
	Role string
}

// NewMessageCommand creates the message command group.
func NewMessageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "message",
		Short: "Add and list messages in a conversation",
	}

	add := &cobra.Command{
		Use:   "add <conversation-id> <content...>",
		Short: "Append a message to a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := model.Role(opts.Role)
			if !role.Valid() {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid role %q: must be %s or %s", opts.Role, model.RoleUser, model.RoleAssistant))
			}
			content := strings.Join(args[1:], " ")
			return rootOpts.withStore(func(st *store.Store) error {
				msg, err := st.AddMessage(cmd.Context(), args[0], role, content)
				if err != nil {
					return operationError("add message", err)
				}
				return rootOpts.output(cmd).Emit(msg, func(w io.Writer) {
					fmt.Fprintf(w, "Added message %s to %s\n", msg.ID, msg.ConversationID)
				})
			})
		},
	}
	add.Flags().StringVar(&opts.Role, "role", string(model.RoleUser), "message author (user|assistant)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "list <conversation-id>",
		Short: "List a conversation's messages in timestamp order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withStore(func(st *store.Store) error {
				if _, err := st.GetConversation(cmd.Context(), args[0]); err != nil {
					return operationError("read conversation", err)
				}
				msgs, err := st.Messages(cmd.Context(), args[0])
				if err != nil {
					return operationError("list messages", err)
				}
				return rootOpts.output(cmd).Emit(msgs, func(w io.Writer) {
					printMessages(w, msgs)
				})
			})
		},
	})

	return cmd
}

func printMessages(w io.Writer, msgs []model.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s: %s\n", formatMillis(m.Timestamp), m.Role, m.Content)
	}
}

// formatMillis renders a Unix millisecond timestamp for humans.
func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
