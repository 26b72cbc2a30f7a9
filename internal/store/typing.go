package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
)

const (
	// TypingTTL — сколько живёт запись "печатает" без обновления.
	TypingTTL = 5 * time.Second
	// TypingDebounce — минимальный интервал повторной отправки собственного
	// typing-уведомления, чтобы ограничить объём событий.
	TypingDebounce = 3 * time.Second
)

// TypingTracker ведёт эфемерный набор печатающих пользователей по комнатам.
// Записи истекают сами: ленивая проверка на чтении плюс периодический sweep.
type TypingTracker struct {
	mu      sync.Mutex
	entries map[string]map[string]model.TypingEntry // chatID → userID → entry
	// lastSent — когда локальный пользователь в последний раз отправлял
	// typing по комнате (для debounce).
	lastSent map[string]time.Time
	ttl      time.Duration
	debounce time.Duration
	now      func() time.Time
}

func NewTypingTracker(ttl, debounce time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	if debounce <= 0 {
		debounce = TypingDebounce
	}
	return &TypingTracker{
		entries:  make(map[string]map[string]model.TypingEntry),
		lastSent: make(map[string]time.Time),
		ttl:      ttl,
		debounce: debounce,
		now:      time.Now,
	}
}

// OnTypingEvent вставляет или продлевает запись о печатающем пользователе.
func (t *TypingTracker) OnTypingEvent(chatID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.entries[chatID]
	if !ok {
		room = make(map[string]model.TypingEntry)
		t.entries[chatID] = room
	}
	room[userID] = model.TypingEntry{
		UserID:    userID,
		ChatID:    chatID,
		ExpiresAt: t.now().Add(t.ttl),
	}
}

// Typing возвращает отсортированный список печатающих сейчас пользователей.
// Просроченные записи удаляются лениво по пути.
func (t *TypingTracker) Typing(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.entries[chatID]
	if !ok {
		return nil
	}
	now := t.now()
	out := make([]string, 0, len(room))
	for userID, e := range room {
		if e.Expired(now) {
			delete(room, userID)
			continue
		}
		out = append(out, userID)
	}
	if len(room) == 0 {
		delete(t.entries, chatID)
	}
	sort.Strings(out)
	return out
}

// Sweep удаляет просроченные записи по всем комнатам. Возвращает комнаты,
// состав печатающих которых изменился (для уведомления слушателей).
func (t *TypingTracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []string
	for chatID, room := range t.entries {
		dirty := false
		for userID, e := range room {
			if e.Expired(now) {
				delete(room, userID)
				dirty = true
			}
		}
		if len(room) == 0 {
			delete(t.entries, chatID)
		}
		if dirty {
			changed = append(changed, chatID)
		}
	}
	sort.Strings(changed)
	return changed
}

// ShouldSend решает, пора ли отправлять собственное typing-уведомление по
// комнате, и при положительном ответе фиксирует момент отправки.
func (t *TypingTracker) ShouldSend(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.lastSent[chatID]; ok && now.Sub(last) < t.debounce {
		return false
	}
	t.lastSent[chatID] = now
	return true
}
