package model

import (
	"sort"
	"time"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
	ContentTypeFile  ContentType = "file"
)

// DeliveryState — состояние доставки сообщения с точки зрения клиента.
// pending: создано локально, подтверждения сервера ещё нет;
// confirmed: сервер присвоил id; failed: подтверждение не пришло за таймаут.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message — запись в журнале комнаты. Ровно одно из двух: pending (есть
// ClientCorrelationID, серверного ID ещё нет) или confirmed (ID присвоен
// сервером). Переход pending→confirmed происходит один раз, на месте.
type Message struct {
	ID                  string         `json:"id,omitempty"`
	ClientCorrelationID string         `json:"client_correlation_id,omitempty"`
	ChatID              string         `json:"chat_id"`
	SenderID            string         `json:"sender_id"`
	SenderDisplay       string         `json:"sender_display,omitempty"`
	Content             string         `json:"content"`
	ContentType         ContentType    `json:"content_type"`
	MediaRef            string         `json:"media_ref,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
	Reactions           []Reaction     `json:"reactions,omitempty"`
	ReplyTo             *ReplySnapshot `json:"reply_to,omitempty"`
	IsEdited            bool           `json:"is_edited,omitempty"`
	EditedAt            *time.Time     `json:"edited_at,omitempty"`
	Delivery            DeliveryState  `json:"delivery"`
}

// Pending сообщение ещё не подтверждено сервером.
func (m *Message) Pending() bool { return m.Delivery == DeliveryPending }

// Reaction — агрегированная реакция на сообщение.
// Инвариант: Count == len(Users) всегда; группа с пустым Users удаляется,
// а не хранится с нулём. Users отсортирован для детерминизма.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
	Count int      `json:"count"`
}

// NewReaction создаёт группу с выполненным инвариантом count/users.
func NewReaction(emoji string, users []string) Reaction {
	set := dedupSorted(users)
	return Reaction{Emoji: emoji, Users: set, Count: len(set)}
}

// Has сообщает, есть ли userID в группе.
func (r *Reaction) Has(userID string) bool {
	for _, u := range r.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// ReplySnapshot — неизменяемая копия цитируемого сообщения, снятая в момент
// отправки ответа. Не обновляется при редактировании/удалении оригинала —
// это документированное поведение, не баг.
type ReplySnapshot struct {
	ID            string      `json:"id"`
	Content       string      `json:"content"`
	SenderID      string      `json:"sender_id"`
	SenderDisplay string      `json:"sender_display,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	ContentType   ContentType `json:"content_type"`
}

func dedupSorted(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
