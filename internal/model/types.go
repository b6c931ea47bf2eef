package model

import "time"

// MessageType classifies message content.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeLink  MessageType = "link"
	TypeImage MessageType = "image"
)

// Role is the user class of an account.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Message is one chat message. Status is derived and never sent to the backend.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	IsAdmin        bool        `json:"is_admin"`
	SentAt         *time.Time  `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	Status         Status      `json:"status"`
}

// Conversation is a support thread between one customer and the support pool.
type Conversation struct {
	ID                 string       `json:"id"`
	UserID             string       `json:"user_id"`
	AdminID            *string      `json:"admin_id,omitempty"`
	LastMessageAt      *time.Time   `json:"last_message_at,omitempty"`
	LastMessageContent string       `json:"last_message_content"`
	UnreadCount        int          `json:"unread_count"`
	IsActive           bool         `json:"is_active"`
	CreatedAt          time.Time    `json:"created_at"`
	User               *UserProfile `json:"user,omitempty"`
}

// UserProfile is the public profile of an account.
type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// QueuedMessage is an outgoing message that has not been confirmed by the backend.
type QueuedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	RetryCount     int       `json:"retry_count"`
}

// TypingStatus is an ephemeral typing signal. It is never persisted.
type TypingStatus struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
	Username string `json:"username,omitempty"`
}

// Collection names on the data service.
const (
	CollectionMessages      = "messages"
	CollectionConversations = "conversations"
	CollectionUsers         = "users"
)

// Identity is the signed-in account the client acts as.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// IsAdmin reports whether the identity is support staff.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
