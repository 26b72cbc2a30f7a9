// Package registry маршрутизирует события push-канала по комнатам и владеет
// реиграми join после переподключения.
package registry

import (
	"sort"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/transport"
)

// Sender — исходящая сторона транспорта.
type Sender interface {
	Send(transport.Envelope)
}

type entry struct {
	refs    int
	handler func(transport.Event)
}

// Registry хранит, в каких комнатах клиент состоит сейчас, и раздаёт
// входящие события зарегистрированному обработчику комнаты.
// Повторный Join той же комнаты идемпотентен (ref-count).
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*entry
	sender  Sender
	refetch func(chatID string) // дозагрузка истории после реконнекта
}

func New(sender Sender) *Registry {
	return &Registry{
		rooms:  make(map[string]*entry),
		sender: sender,
	}
}

// OnRefetch задаёт колбэк дозагрузки истории комнаты (вызывается из Replay,
// чтобы закрыть пропуск, накопившийся за время обрыва).
func (r *Registry) OnRefetch(fn func(chatID string)) {
	r.refetch = fn
}

// Join подписывает обработчик комнаты. Первый Join отправляет chat:join,
// последующие только увеличивают счётчик.
func (r *Registry) Join(chatID string, handler func(transport.Event)) {
	r.mu.Lock()
	e, ok := r.rooms[chatID]
	if ok {
		e.refs++
		r.mu.Unlock()
		return
	}
	r.rooms[chatID] = &entry{refs: 1, handler: handler}
	r.mu.Unlock()

	r.sender.Send(transport.NewEnvelope(transport.EventChatJoin, transport.ChatRefPayload{ChatID: chatID}))
}

// Leave снимает одну подписку. При нулевом счётчике обработчик удаляется и
// уходит chat:leave; уже сохранённое состояние комнаты не трогается.
func (r *Registry) Leave(chatID string) {
	r.mu.Lock()
	e, ok := r.rooms[chatID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, chatID)
	r.mu.Unlock()

	r.sender.Send(transport.NewEnvelope(transport.EventChatLeave, transport.ChatRefPayload{ChatID: chatID}))
}

// Dispatch отдаёт событие обработчику его комнаты. События незнакомых
// комнат отбрасываются: после Leave мутаций быть не должно.
func (r *Registry) Dispatch(ev transport.Event) {
	r.mu.Lock()
	e, ok := r.rooms[ev.ChatID]
	r.mu.Unlock()
	if !ok {
		logger.Debugf("registry: drop %s for unsubscribed chat=%s", ev.Type, ev.ChatID)
		return
	}
	e.handler(ev)
}

// Replay вызывается после успешного переподключения: заново отправляет
// chat:join для всех текущих комнат и запускает дозагрузку истории.
func (r *Registry) Replay() {
	for _, chatID := range r.Joined() {
		r.sender.Send(transport.NewEnvelope(transport.EventChatJoin, transport.ChatRefPayload{ChatID: chatID}))
		if r.refetch != nil {
			r.refetch(chatID)
		}
	}
}

// Joined возвращает отсортированный список комнат с активной подпиской.
func (r *Registry) Joined() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
