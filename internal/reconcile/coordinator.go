package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// DefaultShardTimeout bounds a single conversation import.
const DefaultShardTimeout = 10 * time.Second

// DefaultMaxParallel bounds how many shard imports run at once.
const DefaultMaxParallel = 16

// DefaultBatchTimeout bounds one shared batch application.
const DefaultBatchTimeout = time.Minute

// Sessions is the part of the session registry the coordinator drives.
type Sessions interface {
	Upsert(ctx context.Context, p model.ConversationPayload) (model.SessionInfo, error)
	Remove(ctx context.Context, id string) (bool, error)
	Persist(ctx context.Context) error
	PutSettings(ctx context.Context, settings model.Settings, timestamp int64) (bool, error)
}

// Shards routes message imports and purges to conversation shards.
type Shards interface {
	Import(ctx context.Context, conversationID string, msgs []model.Message) error
	Purge(ctx context.Context, conversationID string) error
}

// Observer is notified after every reconciled batch, replays included.
type Observer func(model.SyncEvent)

// Config tunes the coordinator.
type Config struct {
	ShardTimeout time.Duration
	MaxParallel  int
	BatchTimeout time.Duration
}

// Result is the outcome of one Reconcile call.
type Result struct {
	model.SyncResponse
	Fingerprint string
	Replayed    bool
}

// Coordinator folds client batches into server state.
type Coordinator struct {
	sessions Sessions
	shards   Shards
	ledger   *Ledger
	clock    model.Clock
	cfg      Config
	logger   zerolog.Logger

	inflight singleflight.Group

	mu        sync.Mutex
	nextObs   int
	observers map[int]Observer
}

// NewCoordinator wires a coordinator. ledger may be nil to disable replay detection.
func NewCoordinator(sessions Sessions, shards Shards, ledger *Ledger, clock model.Clock, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.ShardTimeout <= 0 {
		cfg.ShardTimeout = DefaultShardTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Coordinator{
		sessions:  sessions,
		shards:    shards,
		ledger:    ledger,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With().Str("component", "reconcile").Logger(),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers fn for sync-complete events and returns a function
// that removes it.
func (c *Coordinator) Subscribe(fn Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Reconcile applies records and reports the aggregated outcome. It never
// fails as a whole: every problem is reported as an entry in Errors.
func (c *Coordinator) Reconcile(ctx context.Context, records []model.MutationRecord) Result {
	if len(records) == 0 {
		return Result{SyncResponse: model.SyncResponse{Success: true, Errors: []string{}}}
	}

	fingerprint, err := model.BatchFingerprint(records)
	if err != nil {
		// Unfingerprintable batches are still applied, just never deduplicated.
		c.logger.Warn().Err(err).Msg("batch fingerprint failed")
		res := Result{SyncResponse: c.apply(ctx, records)}
		c.publish(res)
		return res
	}

	v, _, shared := c.inflight.Do(fingerprint, func() (any, error) {
		// Identical submissions share this run, so it must outlive the caller
		// that started it.
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.BatchTimeout)
		defer cancel()
		return c.reconcileOnce(bctx, fingerprint, records), nil
	})
	res := v.(Result)
	if shared {
		c.logger.Debug().Str("fingerprint", fingerprint).Msg("joined identical in-flight batch")
	}
	return res
}

func (c *Coordinator) reconcileOnce(ctx context.Context, fingerprint string, records []model.MutationRecord) Result {
	log := c.logger.With().Str("fingerprint", fingerprint[:12]).Int("size", len(records)).Logger()

	if c.ledger != nil {
		entry, ok, err := c.ledger.Lookup(ctx, fingerprint)
		if err != nil {
			log.Warn().Err(err).Msg("ledger unavailable, applying batch")
		}
		if ok {
			log.Info().Msg("batch already applied, replaying recorded result")
			res := Result{SyncResponse: entry.Result, Fingerprint: fingerprint, Replayed: true}
			c.publish(res)
			return res
		}
	}

	resp := c.apply(ctx, records)
	res := Result{SyncResponse: resp, Fingerprint: fingerprint}

	if resp.Success && c.ledger != nil {
		entry := LedgerEntry{Result: resp, Size: len(records), AppliedAt: c.clock.NowMillis()}
		if err := c.ledger.Record(ctx, fingerprint, entry); err != nil {
			log.Warn().Err(err).Msg("ledger record failed")
		}
	}

	ev := log.Info()
	if !resp.Success {
		ev = log.Warn().Strs("errors", resp.Errors)
	}
	ev.Int("processed", resp.Processed).Bool("success", resp.Success).Msg("batch reconciled")

	c.publish(res)
	return res
}

// messageGroup is the ordered list of messages for one conversation.
type messageGroup struct {
	conversationID string
	messages       []model.Message
}

func (c *Coordinator) apply(ctx context.Context, records []model.MutationRecord) model.SyncResponse {
	var (
		errs          []string
		settings      []model.MutationRecord
		conversations []model.MutationRecord
		messages      []model.MutationRecord
	)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("invalid mutation %s: %v", rec.ID, err))
			continue
		}
		switch rec.Store {
		case model.StoreSettings:
			settings = append(settings, rec)
		case model.StoreConversations:
			conversations = append(conversations, rec)
		case model.StoreMessages:
			messages = append(messages, rec)
		}
	}

	errs = append(errs, c.applySettings(ctx, settings)...)

	convErrs, lastAction := c.applyConversations(ctx, conversations)
	errs = append(errs, convErrs...)

	groups := groupMessages(messages, lastAction)
	errs = append(errs, c.importGroups(ctx, groups)...)

	if err := c.sessions.Persist(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("persist sessions: %v", err))
	}

	if errs == nil {
		errs = []string{}
	}
	return model.SyncResponse{
		Success:   len(errs) == 0,
		Processed: max(len(records)-len(errs), 0),
		Errors:    errs,
	}
}

func (c *Coordinator) applySettings(ctx context.Context, records []model.MutationRecord) []string {
	if len(records) == 0 {
		return nil
	}
	slices.SortStableFunc(records, func(a, b model.MutationRecord) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	last := records[len(records)-1]
	snapshot, _ := last.Settings()
	applied, err := c.sessions.PutSettings(ctx, snapshot, last.Timestamp)
	if err != nil {
		return []string{fmt.Sprintf("settings %s: %v", last.ID, err)}
	}
	if !applied {
		c.logger.Debug().Str("mutation", last.ID).Msg("stored settings are newer, batch snapshot ignored")
	}
	return nil
}

func (c *Coordinator) applyConversations(ctx context.Context, records []model.MutationRecord) ([]string, map[string]model.Action) {
	var errs []string
	lastAction := make(map[string]model.Action, len(records))
	for _, rec := range records {
		p, _ := rec.Conversation()
		lastAction[p.ID] = rec.Action
		if err := c.applyConversation(ctx, rec.Action, p); err != nil {
			errs = append(errs, fmt.Sprintf("conversation %s: %v", p.ID, err))
		}
	}
	return errs, lastAction
}

func (c *Coordinator) applyConversation(ctx context.Context, action model.Action, p model.ConversationPayload) error {
	switch action {
	case model.ActionCreate, model.ActionUpdate:
		_, err := c.sessions.Upsert(ctx, p)
		return err
	case model.ActionDelete:
		if _, err := c.sessions.Remove(ctx, p.ID); err != nil {
			return err
		}
		return c.shards.Purge(ctx, p.ID)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// groupMessages keeps message creates, groups them by conversation in order of
// first appearance and sorts each group by timestamp. Groups whose
// conversation was last deleted in this batch are dropped.
func groupMessages(records []model.MutationRecord, lastAction map[string]model.Action) []messageGroup {
	var groups []messageGroup
	index := make(map[string]int)
	for _, rec := range records {
		if rec.Action != model.ActionCreate {
			continue
		}
		msg, _ := rec.Message()
		if lastAction[msg.ConversationID] == model.ActionDelete {
			continue
		}
		i, ok := index[msg.ConversationID]
		if !ok {
			i = len(groups)
			index[msg.ConversationID] = i
			groups = append(groups, messageGroup{conversationID: msg.ConversationID})
		}
		groups[i].messages = append(groups[i].messages, msg)
	}
	for _, g := range groups {
		slices.SortStableFunc(g.messages, func(a, b model.Message) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})
	}
	return groups
}

// importGroups fans the groups out to their shards and waits for all of them.
// Errors are returned in group order.
func (c *Coordinator) importGroups(ctx context.Context, groups []messageGroup) []string {
	if len(groups) == 0 {
		return nil
	}
	results := make([]error, len(groups))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for i, group := range groups {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.cfg.ShardTimeout)
			defer cancel()
			if err := c.shards.Import(sctx, group.conversationID, group.messages); err != nil {
				results[i] = err
			}
			// Shard failures are isolated; never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()

	var errs []string
	for i, err := range results {
		if err != nil {
			errs = append(errs, fmt.Sprintf("messages for conversation %s: %v", groups[i].conversationID, err))
		}
	}
	return errs
}

func (c *Coordinator) publish(res Result) {
	ev := model.SyncEvent{
		Type:      model.EventSyncComplete,
		Result:    res.SyncResponse,
		Replayed:  res.Replayed,
		Timestamp: c.clock.NowMillis(),
	}
	c.mu.Lock()
	observers := make([]Observer, 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}
