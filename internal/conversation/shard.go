package conversation

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/actor"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

const messagePrefix = "message/"

// ImportResult counts what an import did.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Shard owns the message stream of one conversation.
type Shard struct {
	id    string
	actor *actor.Actor[*shardState]
}

type shardState struct {
	storage durable.Storage
	logger  zerolog.Logger

	// index caches the stored messages by id once loaded.
	index map[string]model.Message
}

func newShard(ctx context.Context, id string, storage durable.Storage, logger zerolog.Logger) *Shard {
	logger = logger.With().Str("conversation", id).Logger()
	a := actor.New("conversation/"+id, &shardState{storage: storage, logger: logger}, logger)
	a.Start(ctx)
	return &Shard{id: id, actor: a}
}

// ID returns the conversation id the shard owns.
func (s *Shard) ID() string { return s.id }

// Import inserts every message whose id is not yet stored. Messages already
// present are skipped. Each message is written independently; the returned
// error joins the failures of individual messages.
func (s *Shard) Import(ctx context.Context, msgs []model.Message) (ImportResult, error) {
	return actor.Call(ctx, s.actor, func(ctx context.Context, st *shardState) (ImportResult, error) {
		if err := st.load(ctx); err != nil {
			return ImportResult{}, err
		}
		var (
			res  ImportResult
			errs []error
		)
		for _, msg := range msgs {
			if _, ok := st.index[msg.ID]; ok {
				res.Skipped++
				continue
			}
			if err := st.insert(ctx, s.id, msg); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Imported++
		}
		st.logger.Debug().
			Int("imported", res.Imported).
			Int("skipped", res.Skipped).
			Int("failed", len(errs)).
			Msg("import applied")
		if len(errs) > 0 {
			return res, errors.Join(errs...)
		}
		return res, nil
	})
}

// Messages returns the conversation's stream ordered by (timestamp, id).
func (s *Shard) Messages(ctx context.Context) ([]model.Message, error) {
	return actor.Call(ctx, s.actor, func(ctx context.Context, st *shardState) ([]model.Message, error) {
		if err := st.load(ctx); err != nil {
			return nil, err
		}
		out := make([]model.Message, 0, len(st.index))
		for _, msg := range st.index {
			out = append(out, msg)
		}
		sortMessages(out)
		return out, nil
	})
}

// Purge deletes every stored message and returns how many were removed.
func (s *Shard) Purge(ctx context.Context) (int, error) {
	return actor.Call(ctx, s.actor, func(ctx context.Context, st *shardState) (int, error) {
		entries, err := st.storage.List(ctx, messagePrefix)
		if err != nil {
			return 0, fmt.Errorf("list messages: %w", err)
		}
		removed := 0
		for _, e := range entries {
			if err := st.storage.Delete(ctx, e.Key); err != nil {
				// Force a reload so the cache matches what survived.
				st.index = nil
				return removed, fmt.Errorf("delete %s: %w", e.Key, err)
			}
			removed++
		}
		st.index = map[string]model.Message{}
		if removed > 0 {
			st.logger.Info().Int("removed", removed).Msg("conversation purged")
		}
		return removed, nil
	})
}

func (st *shardState) load(ctx context.Context) error {
	if st.index != nil {
		return nil
	}
	entries, err := st.storage.List(ctx, messagePrefix)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	index := make(map[string]model.Message, len(entries))
	for _, e := range entries {
		var msg model.Message
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", e.Key, err)
		}
		index[msg.ID] = msg
	}
	st.index = index
	return nil
}

func (st *shardState) insert(ctx context.Context, conversationID string, msg model.Message) error {
	if err := msg.Validate(); err != nil {
		return model.NewInvalidMutationError(msg.ID, err.Error())
	}
	if msg.ConversationID != conversationID {
		return model.NewInvalidMutationError(msg.ID,
			fmt.Sprintf("message belongs to conversation %s", msg.ConversationID))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	if err := st.storage.Put(ctx, messagePrefix+msg.ID, data); err != nil {
		return model.NewStorageError("put message "+msg.ID, err)
	}
	st.index[msg.ID] = msg
	return nil
}

func sortMessages(msgs []model.Message) {
	slices.SortFunc(msgs, func(a, b model.Message) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
