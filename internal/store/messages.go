package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// AddMessage appends a message to a conversation and queues its create mutation.
// The conversation's updatedAt is moved to the message timestamp in the same
// transaction; that touch is local only and not queued.
func (s *Store) AddMessage(ctx context.Context, conversationID string, role model.Role, content string) (model.Message, error) {
	var msg model.Message
	err := s.write(ctx, "add message", true, func(tx *sql.Tx, ts int64) error {
		msg = model.Message{
			ID:             s.ids.NewID(),
			ConversationID: conversationID,
			Role:           role,
			Content:        content,
			Timestamp:      ts,
		}
		if err := msg.Validate(); err != nil {
			return model.NewInvalidMutationError(msg.ID, err.Error())
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE conversations SET updated_at = ? WHERE id = ?
		`, ts, conversationID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.NewNotFoundError("conversation", conversationID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Timestamp); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		rec, err := model.NewMutation(s.ids.NewID(), model.ActionCreate, model.MessagePayload{Message: msg}, ts)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, rec)
	})
	if err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

// Messages returns a conversation's messages in ascending timestamp order.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, timestamp FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id COLLATE BINARY ASC
	`, conversationID)
	if err != nil {
		return nil, model.NewStorageError("list messages", err)
	}
	defer rows.Close()

	msgs := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Timestamp); err != nil {
			return nil, model.NewStorageError("scan message", err)
		}
		m.Role = model.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStorageError("iterate messages", err)
	}
	return msgs, nil
}
