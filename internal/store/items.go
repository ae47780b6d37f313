package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Item statuses, matching the claws backend vocabulary plus merged.
const (
	ItemActive    = "active"
	ItemCompleted = "completed"
	ItemExpired   = "expired"
	ItemMerged    = "merged"
)

// Item is the UI's local view of one captured claw.
type Item struct {
	Key             string     `json:"key"`
	ServerID        string     `json:"server_id,omitempty"`
	Content         string     `json:"content"`
	ContentType     string     `json:"content_type"`
	Status          string     `json:"status"`
	Priority        bool       `json:"priority,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	MergedInto      string     `json:"merged_into,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const itemColumns = `key, server_id, content, content_type, status, priority, expires_at,
	completed_at, merged_into, server_updated_at, created_at, updated_at`

// GetItem returns the item with the given key, or nil if it does not exist.
func (db *DB) GetItem(key string) (*Item, error) {
	row := db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE key = ?`, key)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", key, err)
	}
	return it, nil
}

// PutItem inserts or replaces an item. UpdatedAt is stamped with now and
// CreatedAt defaults to now when zero.
func (db *DB) PutItem(it *Item) error {
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	if it.ContentType == "" {
		it.ContentType = "text"
	}
	if it.Status == "" {
		it.Status = ItemActive
	}

	_, err := db.Exec(`
		INSERT INTO items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			server_id = excluded.server_id,
			content = excluded.content,
			content_type = excluded.content_type,
			status = excluded.status,
			priority = excluded.priority,
			expires_at = excluded.expires_at,
			completed_at = excluded.completed_at,
			merged_into = excluded.merged_into,
			server_updated_at = excluded.server_updated_at,
			updated_at = excluded.updated_at
	`, it.Key, nullString(it.ServerID), it.Content, it.ContentType, it.Status, boolInt(it.Priority),
		millis(it.ExpiresAt), millis(it.CompletedAt), nullString(it.MergedInto), millis(it.ServerUpdatedAt),
		it.CreatedAt.UnixMilli(), it.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put item %s: %w", it.Key, err)
	}
	return nil
}

// DeleteItem removes an item. Deleting a missing item is a no-op.
func (db *DB) DeleteItem(key string) error {
	if _, err := db.Exec(`DELETE FROM items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete item %s: %w", key, err)
	}
	return nil
}

// ListItems returns items, newest first. An empty status returns all.
func (db *DB) ListItems(status string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + itemColumns + ` FROM items`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var (
		it                                    Item
		serverID, mergedInto                  sql.NullString
		priority                              int
		expiresAt, completedAt, serverUpdated sql.NullInt64
		createdAt, updatedAt                  int64
	)
	err := s.Scan(&it.Key, &serverID, &it.Content, &it.ContentType, &it.Status, &priority,
		&expiresAt, &completedAt, &mergedInto, &serverUpdated, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	it.ServerID = serverID.String
	it.MergedInto = mergedInto.String
	it.Priority = priority != 0
	it.ExpiresAt = fromMillis(expiresAt)
	it.CompletedAt = fromMillis(completedAt)
	it.ServerUpdatedAt = fromMillis(serverUpdated)
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	it.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &it, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}
