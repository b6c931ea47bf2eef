package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Put stores value under (collection, key). A zero expiresAt never expires.
func (db *DB) Put(ctx context.Context, collection, key string, value []byte, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO kv (collection, key, value, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		collection, key, value, time.Now().UnixMilli(), expiryMillis(expiresAt))
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Get returns the value under (collection, key) and whether it exists.
func (db *DB) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE collection = ? AND key = ?`, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

// Delete removes (collection, key). Deleting a missing key is not an error.
func (db *DB) Delete(ctx context.Context, collection, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND key = ?`, collection, key)
	return err
}

// Clear removes every key of collection.
func (db *DB) Clear(ctx context.Context, collection string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ?`, collection)
	return err
}

// Keys lists the keys of collection.
func (db *DB) Keys(ctx context.Context, collection string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key FROM kv WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteExpired removes entries of collection that expired before now.
func (db *DB) DeleteExpired(ctx context.Context, collection string, now time.Time) (int, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM kv WHERE collection = ? AND expires_at > 0 AND expires_at < ?`, collection, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
