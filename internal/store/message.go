// Package store содержит клиентское состояние синхронизации: журнал
// сообщений комнаты, reconcile реакций, счётчики непрочитанных и typing.
//
// Каждая структура защищена собственным мьютексом; сбой в одной комнате
// не пересекает границу комнаты.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
)

// Draft — черновик исходящего сообщения.
type Draft struct {
	Content       string
	ContentType   model.ContentType
	MediaRef      string
	ReplyTo       *model.ReplySnapshot
	SenderID      string
	SenderDisplay string
}

type logEntry struct {
	msg model.Message
	// sortTS — ключ сортировки. Для чужих и исторических сообщений равен
	// серверному timestamp; для своих фиксируется локальным временем
	// отправки и при подтверждении не меняется, чтобы лента не прыгала.
	sortTS time.Time
	// deadline — срок ожидания подтверждения для pending-записи.
	deadline time.Time
}

// RoomLog — канонический журнал одной комнаты: упорядоченный, без дублей,
// сливающий оптимистичные и авторитетные записи.
type RoomLog struct {
	mu             sync.Mutex
	chatID         string
	entries        []*logEntry // порядок вставки
	byID           map[string]*logEntry
	byCorr         map[string]*logEntry
	confirmTimeout time.Duration
	now            func() time.Time
}

func NewRoomLog(chatID string, confirmTimeout time.Duration) *RoomLog {
	if confirmTimeout <= 0 {
		confirmTimeout = 15 * time.Second
	}
	return &RoomLog{
		chatID:         chatID,
		byID:           make(map[string]*logEntry),
		byCorr:         make(map[string]*logEntry),
		confirmTimeout: confirmTimeout,
		now:            time.Now,
	}
}

// ChatID возвращает комнату журнала.
func (l *RoomLog) ChatID() string { return l.chatID }

// AppendPending вставляет оптимистичную pending-запись с переданным
// correlation id. Локальное время отправки служит timestamp-заглушкой до
// подтверждения.
func (l *RoomLog) AppendPending(d Draft, correlationID string) model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	e := &logEntry{
		msg: model.Message{
			ClientCorrelationID: correlationID,
			ChatID:              l.chatID,
			SenderID:            d.SenderID,
			SenderDisplay:       d.SenderDisplay,
			Content:             d.Content,
			ContentType:         d.ContentType,
			MediaRef:            d.MediaRef,
			ReplyTo:             d.ReplyTo,
			Timestamp:           now,
			Delivery:            model.DeliveryPending,
		},
		sortTS:   now,
		deadline: now.Add(l.confirmTimeout),
	}
	l.entries = append(l.entries, e)
	l.byCorr[correlationID] = e
	return e.msg
}

// Confirm применяет серверное подтверждение. Если correlation id
// сопоставляется с pending-записью, та заменяется на месте (позиция в
// ленте сохраняется); иначе сообщение вливается как чужое подтверждённое.
// Возвращает итоговую запись.
func (l *RoomLog) Confirm(correlationID string, server model.Message) model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Страница истории могла принести это сообщение раньше подтверждения.
	// Тогда запись по id уже есть, а pending-двойник схлопывается.
	if dup, ok := l.byID[server.ID]; ok {
		if e, found := l.byCorr[correlationID]; found {
			l.removeEntryLocked(e)
			delete(l.byCorr, correlationID)
			dup.msg.ClientCorrelationID = correlationID
		}
		dup.msg.Delivery = model.DeliveryConfirmed
		return dup.msg
	}

	// В byCorr живут только pending и failed записи; подтверждённые оттуда
	// удаляются, поэтому второй такой же confirm сольётся как дубликат по id.
	if e, ok := l.byCorr[correlationID]; ok {
		// Переход pending→confirmed ровно один раз, на месте.
		server.ClientCorrelationID = correlationID
		server.Delivery = model.DeliveryConfirmed
		e.msg = server
		e.deadline = time.Time{}
		delete(l.byCorr, correlationID)
		l.byID[server.ID] = e
		return e.msg
	}
	return l.mergeConfirmedLocked(server)
}

// MergeConfirmed вливает подтверждённое сообщение другого отправителя или
// устройства. Дубликаты по id отбрасываются.
func (l *RoomLog) MergeConfirmed(server model.Message) model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mergeConfirmedLocked(server)
}

func (l *RoomLog) mergeConfirmedLocked(server model.Message) model.Message {
	if e, ok := l.byID[server.ID]; ok {
		return e.msg
	}
	server.Delivery = model.DeliveryConfirmed
	e := &logEntry{msg: server, sortTS: server.Timestamp}
	l.entries = append(l.entries, e)
	l.byID[server.ID] = e
	return e.msg
}

// MergeHistory сливает страницу истории: уже известные id пропускаются,
// своё сообщение с совпадающим correlation id подтверждает pending-запись
// на месте, прочие pending не трогаются. Возвращает число изменённых
// записей.
func (l *RoomLog) MergeHistory(msgs []model.Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := l.byID[m.ID]; ok {
			continue
		}
		if m.ClientCorrelationID != "" {
			if e, ok := l.byCorr[m.ClientCorrelationID]; ok {
				// Сервер уже записал наше сообщение, подтверждение по сокету
				// потерялось или ещё в пути. Та же замена, что в Confirm;
				// sortTS остаётся локальным, лента не прыгает.
				corr := m.ClientCorrelationID
				m.Delivery = model.DeliveryConfirmed
				e.msg = m
				e.deadline = time.Time{}
				delete(l.byCorr, corr)
				l.byID[m.ID] = e
				changed++
				continue
			}
		}
		m.Delivery = model.DeliveryConfirmed
		e := &logEntry{msg: m, sortTS: m.Timestamp}
		l.entries = append(l.entries, e)
		l.byID[m.ID] = e
		changed++
	}
	return changed
}

func (l *RoomLog) removeEntryLocked(target *logEntry) {
	for i, e := range l.entries {
		if e == target {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// ApplyEdit помечает сообщение отредактированным. ReplySnapshot в ответах
// сознательно не трогается.
func (l *RoomLog) ApplyEdit(messageID, content string, editedAt time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[messageID]
	if !ok {
		return false
	}
	e.msg.Content = content
	e.msg.IsEdited = true
	e.msg.EditedAt = &editedAt
	return true
}

// MarkExpired переводит просроченные pending-записи в failed и возвращает
// их correlation id. Запись не удаляется — остаётся для ручного повтора.
func (l *RoomLog) MarkExpired(now time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []string
	for corr, e := range l.byCorr {
		if e.msg.Pending() && !e.deadline.IsZero() && now.After(e.deadline) {
			e.msg.Delivery = model.DeliveryFailed
			expired = append(expired, corr)
		}
	}
	sort.Strings(expired)
	return expired
}

// Retry возвращает failed-запись в pending с тем же correlation id и отдаёт
// копию для повторной отправки.
func (l *RoomLog) Retry(correlationID string) (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byCorr[correlationID]
	if !ok || e.msg.Delivery != model.DeliveryFailed {
		return model.Message{}, false
	}
	e.msg.Delivery = model.DeliveryPending
	e.deadline = l.now().UTC().Add(l.confirmTimeout)
	return e.msg, true
}

// Get возвращает копию сообщения по серверному id.
func (l *RoomLog) Get(messageID string) (model.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.byID[messageID]
	if !ok {
		return model.Message{}, false
	}
	return e.msg, true
}

// Messages возвращает копию журнала в порядке показа: по timestamp
// (для своих — локальное время отправки), при равенстве — по id.
func (l *RoomLog) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Message, len(l.entries))
	idx := make([]*logEntry, len(l.entries))
	copy(idx, l.entries)
	sort.SliceStable(idx, func(i, j int) bool {
		if !idx[i].sortTS.Equal(idx[j].sortTS) {
			return idx[i].sortTS.Before(idx[j].sortTS)
		}
		return idx[i].msg.ID < idx[j].msg.ID
	})
	for i, e := range idx {
		out[i] = e.msg
	}
	return out
}

// Len — число записей в журнале (включая pending и failed).
func (l *RoomLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
