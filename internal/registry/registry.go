package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/actor"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/durable"
	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

const (
	keySessions = "sessions"
	keySettings = "global_settings"
)

// StoredSettings is the settings snapshot kept by the registry together with
// the mutation timestamp that produced it.
type StoredSettings struct {
	Settings  model.Settings `json:"settings"`
	Timestamp int64          `json:"timestamp"`
}

type snapshot struct {
	sessions map[string]model.SessionInfo
	settings *StoredSettings
}

type state struct {
	loaded   bool
	dirty    bool
	sessions map[string]model.SessionInfo
	settings *StoredSettings
}

// Registry is the session registry actor.
type Registry struct {
	actor   *actor.Actor[*state]
	storage durable.Storage
	clock   model.Clock
	logger  zerolog.Logger
	loads   singleflight.Group
}

// New starts the registry actor over storage. It runs until ctx is cancelled
// or Close is called.
func New(ctx context.Context, storage durable.Storage, clock model.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = model.SystemClock{}
	}
	logger = logger.With().Str("component", "registry").Logger()
	r := &Registry{
		actor:   actor.New("registry", &state{}, logger),
		storage: storage,
		clock:   clock,
		logger:  logger,
	}
	r.actor.Start(ctx)
	return r
}

// Close stops the actor and waits for it to exit.
func (r *Registry) Close() {
	r.actor.Stop()
	<-r.actor.Done()
}

// ensureLoaded installs the durable state into the actor if it is not
// there yet. Concurrent callers share one storage read.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	if loaded, err := r.isLoaded(ctx); err != nil || loaded {
		return err
	}
	_, err, shared := r.loads.Do("load", func() (any, error) {
		// A load that finished just before this one started already did the work.
		if loaded, err := r.isLoaded(ctx); err != nil || loaded {
			return nil, err
		}
		snap, err := r.read(ctx)
		if err != nil {
			return nil, err
		}
		return nil, r.actor.Do(ctx, func(_ context.Context, st *state) error {
			if st.loaded {
				return nil
			}
			st.sessions = snap.sessions
			st.settings = snap.settings
			st.loaded = true
			r.logger.Debug().Int("sessions", len(st.sessions)).Msg("registry loaded")
			return nil
		})
	})
	if shared {
		r.logger.Debug().Msg("joined in-flight registry load")
	}
	return err
}

func (r *Registry) isLoaded(ctx context.Context) (bool, error) {
	return actor.Call(ctx, r.actor, func(_ context.Context, st *state) (bool, error) {
		return st.loaded, nil
	})
}

func (r *Registry) read(ctx context.Context) (snapshot, error) {
	snap := snapshot{sessions: map[string]model.SessionInfo{}}

	raw, err := r.storage.Get(ctx, keySessions)
	switch {
	case errors.Is(err, durable.ErrNotFound):
	case err != nil:
		return snapshot{}, model.NewStorageError("load sessions", err)
	default:
		if err := json.Unmarshal(raw, &snap.sessions); err != nil {
			return snapshot{}, fmt.Errorf("decode sessions: %w", err)
		}
		if snap.sessions == nil {
			snap.sessions = map[string]model.SessionInfo{}
		}
	}

	raw, err = r.storage.Get(ctx, keySettings)
	switch {
	case errors.Is(err, durable.ErrNotFound):
	case err != nil:
		return snapshot{}, model.NewStorageError("load settings", err)
	default:
		var stored StoredSettings
		if err := json.Unmarshal(raw, &stored); err != nil {
			return snapshot{}, fmt.Errorf("decode settings: %w", err)
		}
		snap.settings = &stored
	}
	return snap, nil
}

// with runs fn on the loaded state.
func (r *Registry) with(ctx context.Context, fn func(ctx context.Context, st *state) error) error {
	if err := r.ensureLoaded(ctx); err != nil {
		return err
	}
	return r.actor.Do(ctx, fn)
}

// persist writes the whole sessions map. The in-memory map stays
// authoritative when the write fails: it keeps changes from other batches
// that have not been persisted yet, and stays dirty so the next persist
// writes everything again.
func (r *Registry) persist(ctx context.Context, st *state) error {
	data, err := json.Marshal(st.sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}
	if err := r.storage.Put(ctx, keySessions, data); err != nil {
		st.dirty = true
		return model.NewStorageError("persist sessions", err)
	}
	st.dirty = false
	return nil
}

func (r *Registry) writeThrough(ctx context.Context, fn func(st *state) bool) error {
	return r.with(ctx, func(ctx context.Context, st *state) error {
		if !fn(st) {
			return nil
		}
		return r.persist(ctx, st)
	})
}

// AddSession creates or refreshes a session and persists it. An empty title
// keeps the existing one (or the default for new sessions); a zero createdAt
// means now.
func (r *Registry) AddSession(ctx context.Context, id, title string, createdAt int64) (model.SessionInfo, error) {
	var info model.SessionInfo
	err := r.writeThrough(ctx, func(st *state) bool {
		info = r.upsert(st, model.ConversationPayload{ID: id, Title: title, CreatedAt: createdAt})
		return true
	})
	return info, err
}

// RemoveSession deletes a session. It reports whether the session existed.
func (r *Registry) RemoveSession(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.writeThrough(ctx, func(st *state) bool {
		found = r.remove(st, id)
		return found
	})
	return found, err
}

// UpdateSessionActivity bumps LastActive to now. It reports whether the session exists.
func (r *Registry) UpdateSessionActivity(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.writeThrough(ctx, func(st *state) bool {
		info, ok := st.sessions[id]
		if !ok {
			return false
		}
		found = true
		info.LastActive = max(info.LastActive, r.clock.NowMillis())
		st.sessions[id] = info
		return true
	})
	return found, err
}

// UpdateSessionTitle renames a session. It reports whether the session exists.
func (r *Registry) UpdateSessionTitle(ctx context.Context, id, title string) (bool, error) {
	if strings.TrimSpace(title) == "" {
		return false, model.NewInvalidMutationError(id, "title is required")
	}
	var found bool
	err := r.writeThrough(ctx, func(st *state) bool {
		info, ok := st.sessions[id]
		if !ok {
			return false
		}
		found = true
		info.Title = title
		st.sessions[id] = info
		return true
	})
	return found, err
}

// ListSessions returns every session, most recently active first.
func (r *Registry) ListSessions(ctx context.Context) ([]model.SessionInfo, error) {
	var out []model.SessionInfo
	err := r.with(ctx, func(_ context.Context, st *state) error {
		out = slices.SortedFunc(maps.Values(st.sessions), func(a, b model.SessionInfo) int {
			if c := cmp.Compare(b.LastActive, a.LastActive); c != 0 {
				return c
			}
			return strings.Compare(a.ID, b.ID)
		})
		return nil
	})
	if out == nil && err == nil {
		out = []model.SessionInfo{}
	}
	return out, err
}

// GetSession returns one session.
func (r *Registry) GetSession(ctx context.Context, id string) (model.SessionInfo, bool, error) {
	var (
		info model.SessionInfo
		ok   bool
	)
	err := r.with(ctx, func(_ context.Context, st *state) error {
		info, ok = st.sessions[id]
		return nil
	})
	return info, ok, err
}

// GetSessionCount returns the number of sessions.
func (r *Registry) GetSessionCount(ctx context.Context) (int, error) {
	var n int
	err := r.with(ctx, func(_ context.Context, st *state) error {
		n = len(st.sessions)
		return nil
	})
	return n, err
}

// ClearAllSessions removes every session and returns how many there were.
func (r *Registry) ClearAllSessions(ctx context.Context) (int, error) {
	var n int
	err := r.writeThrough(ctx, func(st *state) bool {
		n = len(st.sessions)
		st.sessions = map[string]model.SessionInfo{}
		return true
	})
	return n, err
}

// Settings returns the stored settings snapshot, if any.
func (r *Registry) Settings(ctx context.Context) (StoredSettings, bool, error) {
	var (
		out StoredSettings
		ok  bool
	)
	err := r.with(ctx, func(_ context.Context, st *state) error {
		if st.settings != nil {
			out = StoredSettings{Settings: st.settings.Settings.Clone(), Timestamp: st.settings.Timestamp}
			ok = true
		}
		return nil
	})
	return out, ok, err
}

// PutSettings replaces the stored settings unless the stored snapshot carries
// a newer timestamp. It reports whether the snapshot was applied.
func (r *Registry) PutSettings(ctx context.Context, settings model.Settings, timestamp int64) (bool, error) {
	var applied bool
	err := r.with(ctx, func(ctx context.Context, st *state) error {
		if st.settings != nil && st.settings.Timestamp > timestamp {
			r.logger.Debug().
				Int64("stored", st.settings.Timestamp).
				Int64("incoming", timestamp).
				Msg("ignoring stale settings")
			return nil
		}
		next := &StoredSettings{Settings: settings.Clone(), Timestamp: timestamp}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		if err := r.storage.Put(ctx, keySettings, data); err != nil {
			return model.NewStorageError("persist settings", err)
		}
		st.settings = next
		applied = true
		return nil
	})
	return applied, err
}

// Upsert applies a conversation create or update without persisting.
func (r *Registry) Upsert(ctx context.Context, p model.ConversationPayload) (model.SessionInfo, error) {
	if p.ID == "" {
		return model.SessionInfo{}, model.NewInvalidMutationError("", "conversation id is required")
	}
	var info model.SessionInfo
	err := r.with(ctx, func(_ context.Context, st *state) error {
		info = r.upsert(st, p)
		return nil
	})
	return info, err
}

// Remove deletes a session without persisting. Removing an absent session is not an error.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.with(ctx, func(_ context.Context, st *state) error {
		found = r.remove(st, id)
		return nil
	})
	return found, err
}

// Persist writes the sessions map if Upsert or Remove changed it.
func (r *Registry) Persist(ctx context.Context) error {
	return r.with(ctx, func(ctx context.Context, st *state) error {
		if !st.dirty {
			return nil
		}
		return r.persist(ctx, st)
	})
}

func (r *Registry) upsert(st *state, p model.ConversationPayload) model.SessionInfo {
	now := r.clock.NowMillis()
	info, exists := st.sessions[p.ID]
	if !exists {
		info = model.SessionInfo{ID: p.ID, CreatedAt: p.CreatedAt}
		if info.CreatedAt == 0 {
			info.CreatedAt = now
		}
	}
	switch {
	case p.Title != "":
		info.Title = p.Title
	case info.Title == "":
		info.Title = model.DefaultTitle(now)
	}
	info.LastActive = max(info.LastActive, now)
	st.sessions[p.ID] = info
	st.dirty = true
	return info
}

func (r *Registry) remove(st *state, id string) bool {
	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	st.dirty = true
	return true
}
