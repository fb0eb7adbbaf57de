package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/store"
)

// SettingsOptions holds flags for the settings set command.
type SettingsOptions struct {
	*RootOptions
	Model    string
	AutoSync bool
	APIKeys  map[string]string
}

// settingsView is settings as printed: API keys are masked.
type settingsView struct {
	PreferredModel string            `json:"preferredModel"`
	LastSync       int64             `json:"lastSync"`
	AutoSync       bool              `json:"autoSync"`
	ErrorsLog      []string          `json:"errorsLog"`
	UserAPIKeys    map[string]string `json:"userApiKeys"`
}

func newSettingsView(s model.Settings) settingsView {
	keys := make(map[string]string, len(s.UserAPIKeys))
	for provider, key := range s.UserAPIKeys {
		keys[provider] = maskKey(key)
	}
	return settingsView{
		PreferredModel: s.PreferredModel,
		LastSync:       s.LastSync,
		AutoSync:       s.AutoSync,
		ErrorsLog:      s.ErrorsLog,
		UserAPIKeys:    keys,
	}
}

// maskKey keeps the last four characters of a secret.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// NewSettingsCommand creates the settings command group.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SettingsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change local settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withStore(func(st *store.Store) error {
				settings, err := st.Settings(cmd.Context())
				if err != nil {
					return operationError("read settings", err)
				}
				view := newSettingsView(settings)
				return rootOpts.output(cmd).Emit(view, func(w io.Writer) {
					printSettings(w, view)
				})
			})
		},
	})

	set := &cobra.Command{
		Use:   "set",
		Short: "Change settings",
		Long: `Change settings. Only the flags given are changed; the resulting snapshot
is queued for the next sync. An empty key removes that provider's key.

Examples:
  promptgenie settings set --model @cf/meta/llama-3.1-8b-instruct
  promptgenie settings set --auto-sync
  promptgenie settings set --api-key openai=sk-123 --api-key anthropic=`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch store.SettingsPatch
			if cmd.Flags().Changed("model") {
				if strings.TrimSpace(opts.Model) == "" {
					return NewExitError(ExitCommandError, "--model must not be empty")
				}
				patch.PreferredModel = &opts.Model
			}
			if cmd.Flags().Changed("auto-sync") {
				patch.AutoSync = &opts.AutoSync
			}
			if len(opts.APIKeys) > 0 {
				patch.APIKeys = opts.APIKeys
			}
			if patch.PreferredModel == nil && patch.AutoSync == nil && patch.APIKeys == nil {
				return NewExitError(ExitCommandError, "nothing to change: pass --model, --auto-sync or --api-key")
			}

			return rootOpts.withStore(func(st *store.Store) error {
				settings, err := st.UpdateSettings(cmd.Context(), patch)
				if err != nil {
					return operationError("update settings", err)
				}
				view := newSettingsView(settings)
				return rootOpts.output(cmd).Emit(view, func(w io.Writer) {
					printSettings(w, view)
				})
			})
		},
	}
	set.Flags().StringVar(&opts.Model, "model", "", "preferred model")
	set.Flags().BoolVar(&opts.AutoSync, "auto-sync", false, "sync automatically while the daemon runs")
	set.Flags().StringToStringVar(&opts.APIKeys, "api-key", nil, "provider=key pairs; an empty key removes it")
	cmd.AddCommand(set)

	return cmd
}

func printSettings(w io.Writer, s settingsView) {
	fmt.Fprintf(w, "Preferred model: %s\n", s.PreferredModel)
	fmt.Fprintf(w, "Auto sync:       %t\n", s.AutoSync)
	fmt.Fprintf(w, "Last sync:       %s\n", formatMillis(s.LastSync))
	providers := make([]string, 0, len(s.UserAPIKeys))
	for p := range s.UserAPIKeys {
		providers = append(providers, p)
	}
	slices.Sort(providers)
	for _, p := range providers {
		fmt.Fprintf(w, "API key %s: %s\n", p, s.UserAPIKeys[p])
	}
	if len(s.ErrorsLog) > 0 {
		fmt.Fprintf(w, "Errors:          %d logged (see status)\n", len(s.ErrorsLog))
	}
}
