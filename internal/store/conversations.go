package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// CreateConversation inserts a new conversation and queues its create mutation.
// An empty title gets the default dated title.
func (s *Store) CreateConversation(ctx context.Context, title string) (model.Conversation, error) {
	var conv model.Conversation
	err := s.write(ctx, "create conversation", true, func(tx *sql.Tx, ts int64) error {
		title = strings.TrimSpace(title)
		if title == "" {
			title = model.DefaultTitle(ts)
		}
		conv = model.Conversation{
			ID:        s.ids.NewID(),
			Title:     title,
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		rec, err := model.NewMutation(s.ids.NewID(), model.ActionCreate, model.ConversationPayload{
			ID:        conv.ID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt,
			UpdatedAt: conv.UpdatedAt,
		}, ts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, rec)
	})
	if err != nil {
		return model.Conversation{}, err
	}
	s.logger.Debug().Str("conversation", conv.ID).Msg("conversation created")
	return conv, nil
}

// UpdateConversationTitle renames a conversation and queues an update mutation.
// Returns a not-found error, with nothing queued, if the conversation does not exist.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return model.NewInvalidMutationError(id, "title is required")
	}
	return s.write(ctx, "update conversation", true, func(tx *sql.Tx, ts int64) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?
		`, title, ts, id)
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewNotFoundError("conversation", id)
		}

		rec, err := model.NewMutation(s.ids.NewID(), model.ActionUpdate, model.ConversationPayload{
			ID:        id,
			Title:     title,
			UpdatedAt: ts,
		}, ts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, rec)
	})
}

// DeleteConversation removes a conversation and all of its messages, and
// queues exactly one delete mutation for the conversation.
// Returns a not-found error, with nothing changed, if the conversation does not exist.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	var removed int64
	err := s.write(ctx, "delete conversation", true, func(tx *sql.Tx, ts int64) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		removed, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewNotFoundError("conversation", id)
		}

		rec, err := model.NewMutation(s.ids.NewID(), model.ActionDelete, model.ConversationPayload{ID: id}, ts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	s.logger.Debug().Str("conversation", id).Int64("messages", removed).Msg("conversation deleted")
	return nil
}

// GetConversation returns one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	var c model.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, model.NewNotFoundError("conversation", id)
	}
	if err != nil {
		return model.Conversation{}, model.NewStorageError("get conversation", err)
	}
	return c, nil
}

// ListConversations returns every conversation, most recently updated first.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, model.NewStorageError("list conversations", err)
	}
	defer rows.Close()

	convs := make([]model.Conversation, 0)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, model.NewStorageError("scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("iterate conversations", err)
	}
	return convs, nil
}
