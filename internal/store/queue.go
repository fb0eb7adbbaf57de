package store

import (
	"context"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// Batch is one drained view of the mutation log.
type Batch struct {
	// Records holds every pending mutation in append order.
	Records []model.MutationRecord

	// LastSeq is the seq of the newest drained row, 0 when empty.
	// Pass it to ClearThrough once the batch is acknowledged.
	LastSeq int64
}

// Empty reports whether there is nothing to flush.
func (b Batch) Empty() bool {
	return len(b.Records) == 0
}

// Drain returns the full mutation log in append order. It removes nothing.
func (s *Store) Drain(ctx context.Context) (Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, action, store, payload, timestamp
		FROM sync_queue
		ORDER BY seq ASC
	`)
	if err != nil {
		return Batch{}, model.NewStorageError("drain queue", err)
	}
	defer rows.Close()

	batch := Batch{Records: make([]model.MutationRecord, 0)}
	for rows.Next() {
		var (
			seq                        int64
			id, action, store, payload string
			ts                         int64
		)
		if err := rows.Scan(&seq, &id, &action, &store, &payload, &ts); err != nil {
			return Batch{}, model.NewStorageError("scan mutation", err)
		}
		rec, err := unmarshalRecord(id, action, store, payload, ts)
		if err != nil {
			return Batch{}, model.NewStorageError("decode mutation", err)
		}
		batch.Records = append(batch.Records, rec)
		batch.LastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return Batch{}, model.NewStorageError("iterate queue", err)
	}
	return batch, nil
}

// Clear removes every pending mutation.
func (s *Store) Clear(ctx context.Context) error {
	return s.clear(ctx, "clear queue", `DELETE FROM sync_queue`)
}

// ClearThrough removes the mutations with seq <= lastSeq: exactly the rows of
// an acknowledged batch. Rows appended after the drain are kept.
func (s *Store) ClearThrough(ctx context.Context, lastSeq int64) error {
	return s.clear(ctx, "clear acknowledged batch", `DELETE FROM sync_queue WHERE seq <= ?`, lastSeq)
}

func (s *Store) clear(ctx context.Context, op, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return model.NewStorageError(op, err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug().Int64("removed", n).Msg("mutation log cleared")
	s.notifyPending(ctx)
	return nil
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, model.NewStorageError("count queue", err)
	}
	return n, nil
}
