package ws

import (
	"github.com/chatsync/internal/core"
	"github.com/chatsync/internal/model"
)

type EventType string

// События локального канала презентации: интенты от UI-клиента и
// изменения состояния от ядра.
const (
	// Интенты UI → шлюз
	EventSend     EventType = "send"
	EventRetry    EventType = "retry"
	EventReaction EventType = "reaction"
	EventTyping   EventType = "typing"
	EventRead     EventType = "read"
	EventJoin     EventType = "join"
	EventLeave    EventType = "leave"
	EventFocus    EventType = "focus"

	// Шлюз → UI
	EventChange EventType = "change"
	EventError  EventType = "error"
)

// IncomingMessage — интент от UI-клиента.
type IncomingMessage struct {
	Type    EventType `json:"type"`
	ChatID  string    `json:"chat_id,omitempty"`
	Content string    `json:"content,omitempty"`

	// Для вложений
	ContentType model.ContentType `json:"content_type,omitempty"`
	MediaRef    string            `json:"media_ref,omitempty"`

	// Для ответа
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`

	// Для реакций
	MessageID string `json:"message_id,omitempty"`
	Emoji     string `json:"emoji,omitempty"`

	// Для повтора неотправленного
	CorrelationID string `json:"correlation_id,omitempty"`
}

// OutgoingMessage — кадр от шлюза UI-клиенту.
// Payload типизирован, чтобы не плодить map[string]any на горячем пути.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SendAck подтверждает приём интента send: correlation id pending-записи.
type SendAck struct {
	ChatID        string `json:"chat_id"`
	CorrelationID string `json:"correlation_id"`
}

func changeFrame(ch core.Change) OutgoingMessage {
	return OutgoingMessage{Type: EventChange, Payload: ch}
}

func errorFrame(msg string) OutgoingMessage {
	return OutgoingMessage{Type: EventError, Payload: msg}
}
