package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ChunkFunc receives streamed pieces of an answer in order.
type ChunkFunc func(chunk string)

// Provider produces an answer for prompt using model.
// Implementations call onChunk for every piece as it is produced and return
// the full answer, which equals the concatenation of the chunks.
type Provider interface {
	Complete(ctx context.Context, prompt, model string, onChunk ChunkFunc) (string, error)
}

// DefaultChunkDelay is the pause between streamed words of the offline answer.
const DefaultChunkDelay = 30 * time.Millisecond

// promptPreviewLen is how much of the prompt the offline answer quotes, in runes.
const promptPreviewLen = 100

// OfflineProvider answers without any network access.
type OfflineProvider struct {
	// Delay is the pause before each word. Zero streams without pausing.
	Delay time.Duration
}

// NewOfflineProvider returns a provider that streams at DefaultChunkDelay.
func NewOfflineProvider() *OfflineProvider {
	return &OfflineProvider{Delay: DefaultChunkDelay}
}

// Complete streams the offline answer one word at a time, each followed by a
// space. It stops early with ctx.Err() if ctx is cancelled.
func (p *OfflineProvider) Complete(ctx context.Context, prompt, _ string, onChunk ChunkFunc) (string, error) {
	var out strings.Builder
	for _, word := range strings.Split(OfflineAnswer(prompt), " ") {
		if err := p.pause(ctx); err != nil {
			return out.String(), err
		}
		chunk := word + " "
		out.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return out.String(), nil
}

func (p *OfflineProvider) pause(ctx context.Context) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OfflineAnswer is the canned local answer for prompt.
func OfflineAnswer(prompt string) string {
	return fmt.Sprintf("This is a simulated local response for your prompt:\n\n> %q\n\n"+
		"To get a real response from a powerful AI model, connect to the server. "+
		"This local mode is for offline use and demonstration purposes.",
		preview(prompt))
}

func preview(prompt string) string {
	if utf8.RuneCountInString(prompt) <= promptPreviewLen {
		return prompt
	}
	runes := []rune(prompt)
	return string(runes[:promptPreviewLen]) + "..."
}
