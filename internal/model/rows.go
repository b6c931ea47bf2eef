package model

import (
	"math"
	"time"
)

// Rows carry timestamps as unix milliseconds. Numbers may arrive as float64
// after a protobuf Struct round trip, so every reader accepts any numeric kind.

// MessageFromRow decodes a data service row and resolves its status.
func MessageFromRow(row map[string]any) Message {
	m := Message{
		ID:             str(row["id"]),
		ConversationID: str(row["conversation_id"]),
		SenderID:       str(row["sender_id"]),
		Content:        str(row["content"]),
		MessageType:    MessageType(str(row["message_type"])),
		IsAdmin:        boolean(row["is_admin"]),
		SentAt:         timePtr(row["sent_at"]),
		DeliveredAt:    timePtr(row["delivered_at"]),
		ReadAt:         timePtr(row["read_at"]),
		CreatedAt:      timeVal(row["created_at"]),
	}
	if m.MessageType == "" {
		m.MessageType = TypeText
	}
	m.Status = ResolveStatus(&m)
	return m
}

// MessageToRow encodes the persisted fields of m. Empty ids and zero
// creation times are left out so the backend assigns them.
func MessageToRow(m *Message) map[string]any {
	row := map[string]any{
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"message_type":    string(m.MessageType),
		"is_admin":        m.IsAdmin,
		"sent_at":         Millis(m.SentAt),
		"delivered_at":    Millis(m.DeliveredAt),
		"read_at":         Millis(m.ReadAt),
	}
	if m.ID != "" {
		row["id"] = m.ID
	}
	if !m.CreatedAt.IsZero() {
		row["created_at"] = m.CreatedAt.UnixMilli()
	}
	return row
}

// ConversationFromRow decodes a conversation row.
func ConversationFromRow(row map[string]any) Conversation {
	c := Conversation{
		ID:                 str(row["id"]),
		UserID:             str(row["user_id"]),
		LastMessageAt:      timePtr(row["last_message_at"]),
		LastMessageContent: str(row["last_message_content"]),
		UnreadCount:        int(integer(row["unread_count"])),
		IsActive:           boolean(row["is_active"]),
		CreatedAt:          timeVal(row["created_at"]),
	}
	if admin, ok := row["admin_id"].(string); ok && admin != "" {
		c.AdminID = &admin
	}
	return c
}

// ConversationToRow encodes the persisted fields of c.
func ConversationToRow(c *Conversation) map[string]any {
	row := map[string]any{
		"user_id":              c.UserID,
		"last_message_at":      Millis(c.LastMessageAt),
		"last_message_content": c.LastMessageContent,
		"unread_count":         int64(c.UnreadCount),
		"is_active":            c.IsActive,
	}
	if c.AdminID != nil {
		row["admin_id"] = *c.AdminID
	} else {
		row["admin_id"] = nil
	}
	if c.ID != "" {
		row["id"] = c.ID
	}
	if !c.CreatedAt.IsZero() {
		row["created_at"] = c.CreatedAt.UnixMilli()
	}
	return row
}

// UserFromRow decodes a users row.
func UserFromRow(row map[string]any) UserProfile {
	return UserProfile{
		ID:          str(row["id"]),
		Username:    str(row["username"]),
		DisplayName: str(row["display_name"]),
		Role:        Role(str(row["role"])),
		AvatarURL:   str(row["avatar_url"]),
	}
}

// UserToRow encodes a profile.
func UserToRow(u *UserProfile) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"username":     u.Username,
		"display_name": u.DisplayName,
		"role":         string(u.Role),
		"avatar_url":   u.AvatarURL,
	}
}

// Millis returns t as unix milliseconds, or an untyped nil for a nil t.
func Millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// Int64 reads a numeric row value.
func Int64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(math.Round(n)), true
	case float32:
		return int64(math.Round(float64(n))), true
	default:
		return 0, false
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func integer(v any) int64 {
	n, _ := Int64(v)
	return n
}

func timePtr(v any) *time.Time {
	ms, ok := Int64(v)
	if !ok {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func timeVal(v any) time.Time {
	if t := timePtr(v); t != nil {
		return *t
	}
	return time.Time{}
}
