package store

import (
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/model"
)

// ReactionReconciler сводит локальные оптимистичные переключения реакций с
// авторитетными событиями сервера. Авторитетное событие заменяет полный
// набор пользователей пары (messageID, emoji) — поэтому применение
// идемпотентно и коммутативно при любом порядке доставки. Конфликт
// разрешается last-write-wins по серверному времени.
type ReactionReconciler struct {
	mu  sync.Mutex
	log *RoomLog
	// lastApplied — серверное время последнего применённого авторитетного
	// события по каждой паре; более старые события игнорируются.
	lastApplied map[reactionKey]time.Time
}

type reactionKey struct {
	messageID string
	emoji     string
}

func NewReactionReconciler(log *RoomLog) *ReactionReconciler {
	return &ReactionReconciler{
		log:         log,
		lastApplied: make(map[reactionKey]time.Time),
	}
}

// Toggle применяет локальное переключение оптимистично и сообщает, что
// нужно отправить: added=true — добавление, false — снятие.
// ok=false — сообщение неизвестно, ничего не изменилось.
func (r *ReactionReconciler) Toggle(messageID, emoji, userID string) (added, ok bool) {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	e, found := r.log.byID[messageID]
	if !found {
		return false, false
	}

	for i := range e.msg.Reactions {
		g := &e.msg.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		if g.Has(userID) {
			removeUser(g, userID)
			if g.Count == 0 {
				// Пустая группа удаляется, не хранится с нулём.
				e.msg.Reactions = append(e.msg.Reactions[:i], e.msg.Reactions[i+1:]...)
			}
			return false, true
		}
		addUser(g, userID)
		return true, true
	}
	e.msg.Reactions = append(e.msg.Reactions, model.NewReaction(emoji, []string{userID}))
	return true, true
}

// ApplyAuthoritative применяет авторитетное состояние пары (messageID,
// emoji): полный набор пользователей замещается. События старше уже
// применённого (по serverTS) отбрасываются; повторное применение того же
// события — no-op. Возвращает true, если состояние изменилось.
func (r *ReactionReconciler) ApplyAuthoritative(messageID, emoji string, users []string, serverTS time.Time) bool {
	key := reactionKey{messageID: messageID, emoji: emoji}

	r.mu.Lock()
	if last, ok := r.lastApplied[key]; ok && serverTS.Before(last) {
		r.mu.Unlock()
		return false
	}
	r.lastApplied[key] = serverTS
	r.mu.Unlock()

	r.log.mu.Lock()
	defer r.log.mu.Unlock()

	e, found := r.log.byID[messageID]
	if !found {
		return false
	}

	group := model.NewReaction(emoji, users)
	for i := range e.msg.Reactions {
		g := &e.msg.Reactions[i]
		if g.Emoji != emoji {
			continue
		}
		if equalUsers(g.Users, group.Users) {
			return false
		}
		if group.Count == 0 {
			e.msg.Reactions = append(e.msg.Reactions[:i], e.msg.Reactions[i+1:]...)
		} else {
			*g = group
		}
		return true
	}
	if group.Count == 0 {
		return false
	}
	e.msg.Reactions = append(e.msg.Reactions, group)
	return true
}

func addUser(g *model.Reaction, userID string) {
	g.Users = append(g.Users, userID)
	sort.Strings(g.Users)
	g.Count = len(g.Users)
}

func removeUser(g *model.Reaction, userID string) {
	out := g.Users[:0]
	for _, u := range g.Users {
		if u != userID {
			out = append(out, u)
		}
	}
	g.Users = out
	g.Count = len(g.Users)
}

func equalUsers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
