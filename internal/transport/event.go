package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

// События push-канала. Входящие приходят от сервера, исходящие отправляет клиент.
const (
	// Входящие
	EventMessageNew       EventType = "message:new"
	EventMessageConfirmed EventType = "message:confirmed"
	EventMessageEdited    EventType = "message:edited"
	EventReactionUpdate   EventType = "reaction:update"
	EventTypingUpdate     EventType = "typing:update"
	EventPresenceUpdate   EventType = "presence:update"

	// Исходящие
	EventMessageSend    EventType = "message:send"
	EventReactionAdd    EventType = "reaction:add"
	EventReactionRemove EventType = "reaction:remove"
	EventTypingStart    EventType = "typing:start"
	EventChatJoin       EventType = "chat:join"
	EventChatLeave      EventType = "chat:leave"
	EventReadMark       EventType = "read:mark"
)

// Envelope — обёртка любого события на проводе.
// Payload декодируется по Type; неизвестные типы логируются и отбрасываются.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event — декодированное входящее событие. ChatID вынесен наружу, чтобы
// реестр подписок мог маршрутизировать без знания типа payload.
type Event struct {
	Type    EventType
	ChatID  string
	Payload any
}

// MalformedEventError — событие не удалось разобрать. Логируется и
// отбрасывается; никогда не роняет обработку канала.
type MalformedEventError struct {
	Type EventType
	Err  error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Type, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// MessageNewPayload приходит, когда другой участник отправил сообщение.
type MessageNewPayload struct {
	ChatID  string        `json:"chat_id"`
	Message model.Message `json:"message"`
}

// MessageConfirmedPayload — сервер подтвердил отправку: присвоен id.
// Сопоставление с pending-записью идёт по client_correlation_id.
type MessageConfirmedPayload struct {
	ClientCorrelationID string        `json:"client_correlation_id"`
	Message             model.Message `json:"message"`
}

// MessageEditedPayload — сообщение отредактировано.
type MessageEditedPayload struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

// ReactionUpdatePayload — авторитетное состояние реакции: полный набор
// пользователей для пары (message_id, emoji), не дельта. ServerTS нужен для
// last-write-wins при доставке вне порядка.
type ReactionUpdatePayload struct {
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Emoji     string    `json:"emoji"`
	Users     []string  `json:"users"`
	ServerTS  time.Time `json:"server_ts"`
}

// TypingUpdatePayload — участник печатает.
type TypingUpdatePayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// MessageSendPayload — исходящая команда отправки.
type MessageSendPayload struct {
	ChatID              string               `json:"chat_id"`
	ClientCorrelationID string               `json:"client_correlation_id"`
	Content             string               `json:"content"`
	ContentType         model.ContentType    `json:"content_type"`
	MediaRef            string               `json:"media_ref,omitempty"`
	ReplyTo             *model.ReplySnapshot `json:"reply_to,omitempty"`
}

// ReactionTogglePayload — исходящее добавление/снятие реакции.
type ReactionTogglePayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// ChatRefPayload — исходящие события с одним chat_id (join/leave/typing/read).
type ChatRefPayload struct {
	ChatID string `json:"chat_id"`
}

// NewEnvelope кодирует payload в обёртку. Ошибка кодирования здесь означает
// программную ошибку (все payload — plain структуры), поэтому паникует.
func NewEnvelope(t EventType, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("transport: marshal %q payload: %v", t, err))
	}
	return Envelope{Type: t, Payload: raw}
}

// Decode разбирает входящий кадр в типизированное событие.
// Возвращает *MalformedEventError для нечитаемых кадров и (nil, nil) для
// типов, которые клиент сознательно игнорирует (presence:update).
func Decode(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedEventError{Err: err}
	}
	switch env.Type {
	case EventMessageNew:
		var p MessageNewPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
		if p.ChatID == "" || p.Message.ID == "" {
			return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("chat_id and message.id required")}
		}
		return &Event{Type: env.Type, ChatID: p.ChatID, Payload: p}, nil
	case EventMessageConfirmed:
		var p MessageConfirmedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
		if p.Message.ChatID == "" || p.Message.ID == "" {
			return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("message.chat_id and message.id required")}
		}
		return &Event{Type: env.Type, ChatID: p.Message.ChatID, Payload: p}, nil
	case EventMessageEdited:
		var p MessageEditedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
		if p.ChatID == "" || p.MessageID == "" {
			return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("chat_id and message_id required")}
		}
		return &Event{Type: env.Type, ChatID: p.ChatID, Payload: p}, nil
	case EventReactionUpdate:
		var p ReactionUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
		if p.ChatID == "" || p.MessageID == "" || p.Emoji == "" {
			return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("chat_id, message_id and emoji required")}
		}
		return &Event{Type: env.Type, ChatID: p.ChatID, Payload: p}, nil
	case EventTypingUpdate:
		var p TypingUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &MalformedEventError{Type: env.Type, Err: err}
		}
		if p.ChatID == "" || p.UserID == "" {
			return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("chat_id and user_id required")}
		}
		return &Event{Type: env.Type, ChatID: p.ChatID, Payload: p}, nil
	case EventPresenceUpdate:
		// Присутствие вне typing вне зоны ответственности клиента.
		return nil, nil
	default:
		return nil, &MalformedEventError{Type: env.Type, Err: fmt.Errorf("unknown event type")}
	}
}
