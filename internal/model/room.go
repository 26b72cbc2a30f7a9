package model

import "time"

type RoomKind string

const (
	RoomKindCommunity RoomKind = "community"
	RoomKindPrivate   RoomKind = "private"
)

// Room — комната чата с точки зрения клиента. UnreadCount принадлежит
// агрегатору непрочитанных; остальные поля приходят извне.
type Room struct {
	ID             string    `json:"id"`
	Kind           RoomKind  `json:"kind"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TypingEntry — эфемерная запись "пользователь печатает".
// Удаляется автоматически после ExpiresAt.
type TypingEntry struct {
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired сообщает, истекла ли запись к моменту now.
func (t TypingEntry) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
