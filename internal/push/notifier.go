// Package push отправляет Web Push уведомления (VAPID) браузерам,
// подписавшимся у шлюза. Уведомление уходит, когда входящее сообщение
// попадает в несфокусированную комнату.
package push

import (
	"context"
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

const sendTimeout = 10 * time.Second

// Notifier хранит VAPID-ключи и рассылает уведомления по подпискам из
// MarkerStore. nil-Notifier безопасен: уведомления просто не отправляются.
type Notifier struct {
	keys    *VAPIDKeys
	subject string
	store   storage.MarkerStore
}

// NewNotifier создаёт отправителя. subject — mailto: или URL владельца
// (требование Web Push). Если ключей нет — возвращает nil (пуши отключены).
func NewNotifier(keys *VAPIDKeys, subject string, store storage.MarkerStore) *Notifier {
	if keys == nil || keys.PublicKey == "" || keys.PrivateKey == "" || store == nil {
		return nil
	}
	if subject == "" {
		subject = "mailto:admin@localhost"
	}
	return &Notifier{keys: keys, subject: subject, store: store}
}

// PublicKey возвращает публичный VAPID-ключ для подписки в браузере.
func (n *Notifier) PublicKey() string {
	if n == nil {
		return ""
	}
	return n.keys.PublicKey
}

type notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify рассылает уведомление всем подпискам. Мёртвые подписки (404/410)
// удаляются из хранилища по пути.
func (n *Notifier) Notify(ctx context.Context, title, body string, data map[string]string) {
	if n == nil {
		return
	}
	subs, err := n.store.PushSubscriptions(ctx)
	if err != nil {
		logger.Errorf("push: list subscriptions: %v", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	if len(body) > 120 {
		body = body[:117] + "..."
	}
	payload, err := json.Marshal(notification{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push: marshal payload: %v", err)
		return
	}

	for _, raw := range subs {
		var sub webpush.Subscription
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			logger.Errorf("push: bad subscription, removing: %v", err)
			_ = n.store.RemovePushSubscription(ctx, raw)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		resp, err := webpush.SendNotificationWithContext(sendCtx, payload, &sub, &webpush.Options{
			Subscriber:      n.subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             60,
		})
		cancel()
		if err != nil {
			logger.Errorf("push: send: %v", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			// Подписка отозвана браузером.
			_ = n.store.RemovePushSubscription(ctx, raw)
		}
	}
}
