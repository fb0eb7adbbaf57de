package conversation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// Namespace hands out the shard for a conversation id, creating it on first use.
type Namespace struct {
	backend durable.Backend
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	shards map[string]*Shard
}

// NewNamespace creates an empty namespace over backend. Shard actors run
// until Close is called.
func NewNamespace(backend durable.Backend, logger zerolog.Logger) *Namespace {
	ctx, cancel := context.WithCancel(context.Background())
	return &Namespace{
		backend: backend,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		shards:  make(map[string]*Shard),
	}
}

// Get returns the single shard for id.
func (n *Namespace) Get(id string) *Shard {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.shards[id]; ok {
		return s
	}
	s := newShard(n.ctx, id, n.backend.Namespace(storageName(id)), n.logger)
	n.shards[id] = s
	return s
}

// Import routes msgs to the shard for conversationID.
func (n *Namespace) Import(ctx context.Context, conversationID string, msgs []model.Message) error {
	if conversationID == "" {
		return model.NewInvalidMutationError("", "conversation id is required")
	}
	_, err := n.Get(conversationID).Import(ctx, msgs)
	return err
}

// Purge removes every message of conversationID.
func (n *Namespace) Purge(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return model.NewInvalidMutationError("", "conversation id is required")
	}
	_, err := n.Get(conversationID).Purge(ctx)
	return err
}

// Len returns the number of shards created so far.
func (n *Namespace) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shards)
}

// Close stops every shard actor. The backend stays open.
func (n *Namespace) Close() {
	n.cancel()
	n.mu.Lock()
	shards := make([]*Shard, 0, len(n.shards))
	for _, s := range n.shards {
		shards = append(shards, s)
	}
	n.mu.Unlock()
	for _, s := range shards {
		<-s.actor.Done()
	}
}

func storageName(id string) string {
	return fmt.Sprintf("conversation:%s", id)
}
