package storage

import (
	"context"
	"time"
)

// MarkerStore — хранилище локальных маркеров синхронизации: маркеры
// прочтения и счётчики непрочитанных (переживают рестарт шлюза), плюс
// web-push подписки браузеров. Реализации: redis.Client, memory.Client
// (для -dev без Redis и для тестов).
type MarkerStore interface {
	SetLastRead(ctx context.Context, chatID string, at time.Time) error
	GetLastRead(ctx context.Context, chatID string) (time.Time, error)

	SetUnread(ctx context.Context, chatID string, count int) error
	ClearUnread(ctx context.Context, chatID string) error
	AllUnread(ctx context.Context) (map[string]int, error)

	AddPushSubscription(ctx context.Context, sub string) error
	RemovePushSubscription(ctx context.Context, sub string) error
	PushSubscriptions(ctx context.Context) ([]string, error)

	Close() error
}
