package store

import "sync"

// UnreadAggregator ведёт счётчики непрочитанных по комнатам.
// Итог всегда считается как живая сумма счётчиков — отдельного бегущего
// total, способного разъехаться, нет.
type UnreadAggregator struct {
	mu     sync.Mutex
	counts map[string]int
	active string // сфокусированная комната не накапливает непрочитанное
}

func NewUnreadAggregator() *UnreadAggregator {
	return &UnreadAggregator{counts: make(map[string]int)}
}

// SetActive помечает комнату сфокусированной. Пустая строка — фокуса нет.
func (a *UnreadAggregator) SetActive(chatID string) {
	a.mu.Lock()
	a.active = chatID
	a.mu.Unlock()
}

// Active возвращает текущую сфокусированную комнату.
func (a *UnreadAggregator) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// OnInbound учитывает входящее сообщение. Для активной комнаты счётчик не
// растёт. Возвращает true, если счётчик увеличился.
func (a *UnreadAggregator) OnInbound(chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if chatID == a.active {
		return false
	}
	a.counts[chatID]++
	return true
}

// MarkRead обнуляет счётчик комнаты. Идемпотентен.
func (a *UnreadAggregator) MarkRead(chatID string) {
	a.mu.Lock()
	delete(a.counts, chatID)
	a.mu.Unlock()
}

// Count возвращает счётчик комнаты (никогда не отрицательный).
func (a *UnreadAggregator) Count(chatID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[chatID]
}

// Total — сумма всех счётчиков, пересчитывается на каждый вызов.
func (a *UnreadAggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.counts {
		total += n
	}
	return total
}

// Snapshot возвращает копию счётчиков (для персиста маркеров).
func (a *UnreadAggregator) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}

// Restore восстанавливает счётчик комнаты после рестарта. Нулевые и
// отрицательные значения игнорируются.
func (a *UnreadAggregator) Restore(chatID string, count int) {
	if count <= 0 {
		return
	}
	a.mu.Lock()
	a.counts[chatID] = count
	a.mu.Unlock()
}
