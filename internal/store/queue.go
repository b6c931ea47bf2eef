package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cherrygifts/cherrychat/internal/model"
)

// SaveQueue replaces the persisted offline queue with entries, keeping order.
func (db *DB) SaveQueue(ctx context.Context, entries []model.QueuedMessage) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO offline_queue (id, position, conversation_id, content, enqueued_at, retry_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, i, e.ConversationID, e.Content, e.Timestamp.UnixMilli(), e.RetryCount); err != nil {
			return fmt.Errorf("insert queue entry %q: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queue: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted offline queue in enqueue order.
func (db *DB) LoadQueue(ctx context.Context) ([]model.QueuedMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, content, enqueued_at, retry_count
		FROM offline_queue ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.QueuedMessage
	for rows.Next() {
		var e model.QueuedMessage
		var enqueuedAt int64
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Content, &enqueuedAt, &e.RetryCount); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(enqueuedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
