package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// MessageStore is the part of the local store the assistant writes through.
// Implemented by *store.Store.
type MessageStore interface {
	AddMessage(ctx context.Context, conversationID string, role model.Role, content string) (model.Message, error)
	Settings(ctx context.Context) (model.Settings, error)
}

// Exchange is one prompt and its stored answer.
type Exchange struct {
	Prompt model.Message `json:"prompt"`
	Answer model.Message `json:"answer"`
}

// Assistant answers prompts and records both sides of the exchange.
type Assistant struct {
	store    MessageStore
	provider Provider
	logger   zerolog.Logger
}

// NewAssistant creates an assistant. A nil provider uses NewOfflineProvider.
func NewAssistant(store MessageStore, provider Provider, logger zerolog.Logger) *Assistant {
	if provider == nil {
		provider = NewOfflineProvider()
	}
	return &Assistant{store: store, provider: provider, logger: logger}
}

// Reply stores prompt as a user message, streams an answer from the provider
// with the preferred model from settings, and stores the answer as an
// assistant message.
//
// If the provider fails the prompt stays stored and no answer is written.
func (a *Assistant) Reply(ctx context.Context, conversationID, prompt string, onChunk ChunkFunc) (Exchange, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Exchange{}, model.NewInvalidMutationError("", "prompt is required")
	}

	settings, err := a.store.Settings(ctx)
	if err != nil {
		return Exchange{}, err
	}

	user, err := a.store.AddMessage(ctx, conversationID, model.RoleUser, prompt)
	if err != nil {
		return Exchange{}, err
	}

	content, err := a.provider.Complete(ctx, prompt, settings.PreferredModel, onChunk)
	if err != nil {
		return Exchange{Prompt: user}, fmt.Errorf("complete prompt %s: %w", user.ID, err)
	}

	answer, err := a.store.AddMessage(ctx, conversationID, model.RoleAssistant, content)
	if err != nil {
		return Exchange{Prompt: user}, err
	}

	a.logger.Debug().
		Str("conversation", conversationID).
		Str("model", settings.PreferredModel).
		Int("chars", len(content)).
		Msg("assistant replied")
	return Exchange{Prompt: user, Answer: answer}, nil
}
