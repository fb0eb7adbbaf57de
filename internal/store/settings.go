package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
// An empty string in APIKeys removes that provider's key.
type SettingsPatch struct {
	PreferredModel *string
	AutoSync       *bool
	APIKeys        map[string]string
}

type rowQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Settings returns the singleton settings, writing the defaults on first read.
func (s *Store) Settings(ctx context.Context) (model.Settings, error) {
	settings, err := readSettings(ctx, s.db)
	if err != nil {
		return model.Settings{}, model.NewStorageError("read settings", err)
	}
	return settings, nil
}

// UpdateSettings applies patch and queues the full resulting snapshot as a
// settings update. A patch that changes nothing queues nothing.
func (s *Store) UpdateSettings(ctx context.Context, patch SettingsPatch) (model.Settings, error) {
	var out model.Settings
	err := s.write(ctx, "update settings", true, func(tx *sql.Tx, ts int64) error {
		current, err := readSettings(ctx, tx)
		if err != nil {
			return err
		}

		next := current.Clone()
		if patch.PreferredModel != nil {
			next.PreferredModel = *patch.PreferredModel
		}
		if patch.AutoSync != nil {
			next.AutoSync = *patch.AutoSync
		}
		for provider, key := range patch.APIKeys {
			if key == "" {
				delete(next.UserAPIKeys, provider)
			} else {
				next.UserAPIKeys[provider] = key
			}
		}
		out = next

		if !userFieldsChanged(current, next) {
			return nil
		}
		if err := saveSettings(ctx, tx, next); err != nil {
			return err
		}

		rec, err := model.NewMutation(s.ids.NewID(), model.ActionUpdate, model.SettingsPayload{Settings: next}, ts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, rec)
	})
	if err != nil {
		return model.Settings{}, err
	}
	return out, nil
}

// RecordSyncSuccess sets lastSync. Bookkeeping of the sync itself is never queued.
func (s *Store) RecordSyncSuccess(ctx context.Context, at int64) error {
	return s.updateDiagnostics(ctx, "record sync success", func(st *model.Settings) {
		st.LastSync = at
	})
}

// RecordSyncError appends message to the diagnostics error log, dropping the
// oldest entries beyond the configured limit. Not queued.
func (s *Store) RecordSyncError(ctx context.Context, message string) error {
	return s.updateDiagnostics(ctx, "record sync error", func(st *model.Settings) {
		st.ErrorsLog = append(st.ErrorsLog, message)
		if over := len(st.ErrorsLog) - s.errorLogLimit; over > 0 {
			st.ErrorsLog = slices.Clone(st.ErrorsLog[over:])
		}
	})
}

// ClearErrorLog empties the diagnostics error log. Not queued.
func (s *Store) ClearErrorLog(ctx context.Context) error {
	return s.updateDiagnostics(ctx, "clear error log", func(st *model.Settings) {
		st.ErrorsLog = []string{}
	})
}

func (s *Store) updateDiagnostics(ctx context.Context, op string, mutate func(*model.Settings)) error {
	return s.write(ctx, op, false, func(tx *sql.Tx, _ int64) error {
		st, err := readSettings(ctx, tx)
		if err != nil {
			return err
		}
		mutate(&st)
		return saveSettings(ctx, tx, st)
	})
}

// userFieldsChanged reports whether a change is worth syncing. lastSync and
// the diagnostics log are device-local.
func userFieldsChanged(a, b model.Settings) bool {
	return a.PreferredModel != b.PreferredModel ||
		a.AutoSync != b.AutoSync ||
		!maps.Equal(a.UserAPIKeys, b.UserAPIKeys)
}

func readSettings(ctx context.Context, q rowQuerier) (model.Settings, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO settings (id, preferred_model) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING
	`, model.DefaultModel); err != nil {
		return model.Settings{}, fmt.Errorf("init settings: %w", err)
	}

	var (
		st       model.Settings
		autoSync int
		errsJSON string
		keysJSON string
	)
	err := q.QueryRowContext(ctx, `
		SELECT preferred_model, last_sync, auto_sync, errors_log, api_keys
		FROM settings WHERE id = 1
	`).Scan(&st.PreferredModel, &st.LastSync, &autoSync, &errsJSON, &keysJSON)
	if err != nil {
		return model.Settings{}, fmt.Errorf("select settings: %w", err)
	}
	st.AutoSync = autoSync != 0
	if err := json.Unmarshal([]byte(errsJSON), &st.ErrorsLog); err != nil {
		return model.Settings{}, fmt.Errorf("decode errors log: %w", err)
	}
	if err := json.Unmarshal([]byte(keysJSON), &st.UserAPIKeys); err != nil {
		return model.Settings{}, fmt.Errorf("decode api keys: %w", err)
	}
	if st.ErrorsLog == nil {
		st.ErrorsLog = []string{}
	}
	if st.UserAPIKeys == nil {
		st.UserAPIKeys = map[string]string{}
	}
	return st, nil
}

func saveSettings(ctx context.Context, q rowQuerier, st model.Settings) error {
	errsJSON, err := marshalStrings(st.ErrorsLog)
	if err != nil {
		return err
	}
	keysJSON, err := marshalKeys(st.UserAPIKeys)
	if err != nil {
		return err
	}
	autoSync := 0
	if st.AutoSync {
		autoSync = 1
	}
	_, err = q.ExecContext(ctx, `
		UPDATE settings
		SET preferred_model = ?, last_sync = ?, auto_sync = ?, errors_log = ?, api_keys = ?
		WHERE id = 1
	`, st.PreferredModel, st.LastSync, autoSync, errsJSON, keysJSON)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
