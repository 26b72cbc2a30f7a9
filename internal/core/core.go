// Package core собирает компоненты синхронизации в явный контейнер
// состояния: транспорт, реестр подписок, журналы комнат, агрегатор
// непрочитанных и typing-трекер. Никаких синглтонов уровня пакета —
// всё конструируется и передаётся по ссылке, слушатели регистрируются и
// снимаются явно.
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsync/internal/history"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/registry"
	"github.com/chatsync/internal/repository"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/store"
	"github.com/chatsync/internal/transport"
)

var ErrRoomNotJoined = errors.New("room not joined")

// ChangeKind — тип изменения, доставляемого слушателям презентации.
type ChangeKind string

const (
	ChangeMessage   ChangeKind = "message"
	ChangeReaction  ChangeKind = "reaction"
	ChangeTyping    ChangeKind = "typing"
	ChangeUnread    ChangeKind = "unread"
	ChangeTransport ChangeKind = "transport"
)

// Change — уведомление слушателю. Заполненность полей зависит от Kind.
type Change struct {
	Kind        ChangeKind      `json:"kind"`
	ChatID      string          `json:"chat_id,omitempty"`
	Message     *model.Message  `json:"message,omitempty"`
	Typing      []string        `json:"typing,omitempty"`
	UnreadTotal int             `json:"unread_total,omitempty"`
	Transport   transport.State `json:"transport,omitempty"`
}

// Options — зависимости ядра. Mirror и Notifier могут быть nil.
type Options struct {
	SelfID         string
	SelfDisplay    string
	Transport      *transport.Transport
	History        *history.Client
	Mirror         *repository.MirrorRepository
	Markers        storage.MarkerStore
	Notifier       *push.Notifier
	ConfirmTimeout time.Duration
	HistoryPage    int
	TypingTTL      time.Duration
	TypingDebounce time.Duration
}

type roomState struct {
	log        *store.RoomLog
	reconciler *store.ReactionReconciler
}

// Core — ядро синхронизации. Одно на процесс; живёт от Start до Stop.
type Core struct {
	opts Options

	tr     *transport.Transport
	reg    *registry.Registry
	unread *store.UnreadAggregator
	typing *store.TypingTracker

	mu        sync.Mutex
	rooms     map[string]*roomState
	listeners map[string]map[int]func(Change) // chatID ("" — все комнаты) → id → fn
	nextSub   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Core {
	if opts.HistoryPage <= 0 {
		opts.HistoryPage = 50
	}
	if opts.History == nil {
		opts.History = history.NewClient("", "")
	}
	c := &Core{
		opts:      opts,
		tr:        opts.Transport,
		unread:    store.NewUnreadAggregator(),
		typing:    store.NewTypingTracker(opts.TypingTTL, opts.TypingDebounce),
		rooms:     make(map[string]*roomState),
		listeners: make(map[string]map[int]func(Change)),
	}
	c.reg = registry.New(c.tr)
	c.tr.OnEvent(c.reg.Dispatch)
	c.tr.OnConnected(c.reg.Replay)
	c.tr.OnStateChange(func(s transport.State) {
		c.emit(Change{Kind: ChangeTransport, Transport: s})
	})
	// Догрузка истории после реконнекта ходит по HTTP и не должна держать
	// цикл соединения: пампы стартуют сразу после Replay.
	c.reg.OnRefetch(func(chatID string) { go c.refetchHistory(chatID) })
	return c
}

// Start восстанавливает счётчики непрочитанных из хранилища маркеров,
// подключает транспорт и запускает sweeper (таймауты pending, typing TTL).
func (c *Core) Start(ctx context.Context, identity string) {
	if counts, err := c.opts.Markers.AllUnread(ctx); err != nil {
		logger.Errorf("core: restore unread: %v", err)
	} else {
		for chatID, n := range counts {
			c.unread.Restore(chatID, n)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.tr.Connect(runCtx, identity)

	c.wg.Add(1)
	go c.sweepLoop(runCtx)
}

// Stop останавливает sweeper и закрывает транспорт.
func (c *Core) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.tr.Disconnect()
	c.wg.Wait()
}

// TransportState — текущее состояние push-канала.
func (c *Core) TransportState() transport.State { return c.tr.State() }

// JoinRoom подписывает комнату: регистрирует обработчик событий, поднимает
// историю из зеркала и дотягивает свежие страницы у коллаборатора.
// Идемпотентен (ref-count в реестре).
func (c *Core) JoinRoom(ctx context.Context, chatID string) error {
	c.mu.Lock()
	rs, ok := c.rooms[chatID]
	if !ok {
		log := store.NewRoomLog(chatID, c.opts.ConfirmTimeout)
		rs = &roomState{log: log, reconciler: store.NewReactionReconciler(log)}
		c.rooms[chatID] = rs
	}
	c.mu.Unlock()

	c.reg.Join(chatID, c.makeRoomHandler(rs))

	if c.opts.Mirror != nil {
		if msgs, err := c.opts.Mirror.GetChatMessages(ctx, chatID, c.opts.HistoryPage); err != nil {
			logger.Errorf("core: mirror load chat=%s: %v", chatID, err)
		} else if n := rs.log.MergeHistory(msgs); n > 0 {
			logger.Debugf("core: mirror chat=%s merged=%d", chatID, n)
		}
	}
	c.refetchHistory(chatID)
	return nil
}

// LeaveRoom снимает подписку. Уже сохранённые сообщения комнаты остаются.
func (c *Core) LeaveRoom(chatID string) {
	c.reg.Leave(chatID)
}

// Subscribe регистрирует слушателя изменений комнаты (chatID == "" — всех
// комнат). Возвращает функцию отписки.
func (c *Core) Subscribe(chatID string, fn func(Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	id := c.nextSub
	m, ok := c.listeners[chatID]
	if !ok {
		m = make(map[int]func(Change))
		c.listeners[chatID] = m
	}
	m[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := c.listeners[chatID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(c.listeners, chatID)
			}
		}
	}
}

// Messages возвращает журнал комнаты в порядке показа.
func (c *Core) Messages(chatID string) []model.Message {
	rs := c.room(chatID)
	if rs == nil {
		return nil
	}
	return rs.log.Messages()
}

// SendMessage применяет сообщение оптимистично и ставит команду отправки в
// очередь транспорта. Возвращает correlation id pending-записи.
func (c *Core) SendMessage(chatID string, d store.Draft) (string, error) {
	rs := c.room(chatID)
	if rs == nil {
		return "", ErrRoomNotJoined
	}
	d.SenderID = c.opts.SelfID
	d.SenderDisplay = c.opts.SelfDisplay

	corr := uuid.New().String()
	msg := rs.log.AppendPending(d, corr)
	c.transmitSend(chatID, corr, d)
	c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: &msg})
	return corr, nil
}

// RetrySend повторяет failed-сообщение с тем же correlation id.
func (c *Core) RetrySend(chatID, correlationID string) error {
	rs := c.room(chatID)
	if rs == nil {
		return ErrRoomNotJoined
	}
	msg, ok := rs.log.Retry(correlationID)
	if !ok {
		return errors.New("no failed message with this correlation id")
	}
	c.transmitSend(chatID, correlationID, store.Draft{
		Content:     msg.Content,
		ContentType: msg.ContentType,
		MediaRef:    msg.MediaRef,
		ReplyTo:     msg.ReplyTo,
	})
	c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: &msg})
	return nil
}

func (c *Core) transmitSend(chatID, corr string, d store.Draft) {
	c.tr.Send(transport.NewEnvelope(transport.EventMessageSend, transport.MessageSendPayload{
		ChatID:              chatID,
		ClientCorrelationID: corr,
		Content:             d.Content,
		ContentType:         d.ContentType,
		MediaRef:            d.MediaRef,
		ReplyTo:             d.ReplyTo,
	}))
}

// ToggleReaction переключает реакцию текущего пользователя: оптимистичное
// локальное применение плюс мутация в канал.
func (c *Core) ToggleReaction(chatID, messageID, emoji string) error {
	rs := c.room(chatID)
	if rs == nil {
		return ErrRoomNotJoined
	}
	added, ok := rs.reconciler.Toggle(messageID, emoji, c.opts.SelfID)
	if !ok {
		return errors.New("unknown message")
	}
	evType := transport.EventReactionRemove
	if added {
		evType = transport.EventReactionAdd
	}
	c.tr.Send(transport.NewEnvelope(evType, transport.ReactionTogglePayload{
		ChatID:    chatID,
		MessageID: messageID,
		Emoji:     emoji,
	}))
	if msg, found := rs.log.Get(messageID); found {
		c.emitRoom(chatID, Change{Kind: ChangeReaction, ChatID: chatID, Message: &msg})
	}
	return nil
}

// BuildReply снимает ReplySnapshot с сообщения комнаты для ответа.
func (c *Core) BuildReply(chatID, messageID string) (*model.ReplySnapshot, error) {
	rs := c.room(chatID)
	if rs == nil {
		return nil, ErrRoomNotJoined
	}
	msg, ok := rs.log.Get(messageID)
	if !ok {
		return nil, errors.New("unknown message")
	}
	snap := store.BuildReplySnapshot(msg)
	return &snap, nil
}

// MarkRead обнуляет непрочитанное комнаты, двигает маркер прочтения и
// сообщает коллаборатору и другим устройствам. Идемпотентен.
func (c *Core) MarkRead(ctx context.Context, chatID string) {
	c.unread.MarkRead(chatID)
	now := time.Now().UTC()
	if err := c.opts.Markers.SetLastRead(ctx, chatID, now); err != nil {
		logger.Errorf("core: set last read chat=%s: %v", chatID, err)
	}
	if err := c.opts.Markers.ClearUnread(ctx, chatID); err != nil {
		logger.Errorf("core: clear unread chat=%s: %v", chatID, err)
	}
	c.tr.Send(transport.NewEnvelope(transport.EventReadMark, transport.ChatRefPayload{ChatID: chatID}))
	if c.opts.History.Enabled() {
		if err := c.opts.History.MarkRead(ctx, chatID, c.opts.SelfID); err != nil {
			logger.Errorf("core: collaborator mark read chat=%s: %v", chatID, err)
		}
	}
	c.emitRoom(chatID, Change{Kind: ChangeUnread, ChatID: chatID, UnreadTotal: c.unread.Total()})
}

// SetActiveRoom помечает сфокусированную комнату: входящие в неё не копят
// непрочитанное. Пустая строка — фокуса нет.
func (c *Core) SetActiveRoom(chatID string) {
	c.unread.SetActive(chatID)
}

// UnreadTotal — сумма непрочитанного по всем комнатам.
func (c *Core) UnreadTotal() int { return c.unread.Total() }

// UnreadCount — непрочитанное одной комнаты.
func (c *Core) UnreadCount(chatID string) int { return c.unread.Count(chatID) }

// TypingUsers возвращает печатающих сейчас в комнате.
func (c *Core) TypingUsers(chatID string) []string { return c.typing.Typing(chatID) }

// StartTyping отправляет typing-уведомление с debounce.
func (c *Core) StartTyping(chatID string) {
	if !c.typing.ShouldSend(chatID) {
		return
	}
	c.tr.Send(transport.NewEnvelope(transport.EventTypingStart, transport.ChatRefPayload{ChatID: chatID}))
}

// CreateRoom создаёт комнату у коллаборатора, зеркалирует её и сразу
// подписывается.
func (c *Core) CreateRoom(ctx context.Context, participantIDs []string) (*model.Room, error) {
	room, err := c.opts.History.CreateRoom(ctx, participantIDs)
	if err != nil {
		return nil, err
	}
	if c.opts.Mirror != nil {
		if err := c.opts.Mirror.UpsertRoom(ctx, room); err != nil {
			logger.Errorf("core: mirror room %s: %v", room.ID, err)
		}
	}
	if err := c.JoinRoom(ctx, room.ID); err != nil {
		return nil, err
	}
	return room, nil
}

// Rooms возвращает известные зеркалу комнаты со счётчиками непрочитанного.
func (c *Core) Rooms(ctx context.Context) ([]model.Room, error) {
	if c.opts.Mirror == nil {
		return nil, nil
	}
	rooms, err := c.opts.Mirror.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].UnreadCount = c.unread.Count(rooms[i].ID)
	}
	return rooms, nil
}

// JoinedRooms — комнаты с активной подпиской.
func (c *Core) JoinedRooms() []string { return c.reg.Joined() }

func (c *Core) room(chatID string) *roomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[chatID]
}

// makeRoomHandler строит обработчик событий одной комнаты. Паника в
// reconcile одной комнаты не должна портить остальные — ловится здесь.
func (c *Core) makeRoomHandler(rs *roomState) func(transport.Event) {
	return func(ev transport.Event) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("core: room %s handler panic on %s: %v", rs.log.ChatID(), ev.Type, r)
			}
		}()
		c.handleRoomEvent(rs, ev)
	}
}

func (c *Core) handleRoomEvent(rs *roomState, ev transport.Event) {
	chatID := rs.log.ChatID()
	switch p := ev.Payload.(type) {
	case transport.MessageNewPayload:
		msg := rs.log.MergeConfirmed(p.Message)
		c.mirrorMessage(&msg)
		if msg.SenderID != c.opts.SelfID {
			c.bumpUnread(chatID, &msg)
		}
		c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: &msg})

	case transport.MessageConfirmedPayload:
		msg := rs.log.Confirm(p.ClientCorrelationID, p.Message)
		c.mirrorMessage(&msg)
		c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: &msg})

	case transport.MessageEditedPayload:
		if !rs.log.ApplyEdit(p.MessageID, p.Content, p.EditedAt) {
			logger.Debugf("core: edit for unknown message %s chat=%s", p.MessageID, chatID)
			return
		}
		if msg, ok := rs.log.Get(p.MessageID); ok {
			c.mirrorMessage(&msg)
			c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: &msg})
		}

	case transport.ReactionUpdatePayload:
		if !rs.reconciler.ApplyAuthoritative(p.MessageID, p.Emoji, p.Users, p.ServerTS) {
			return
		}
		if msg, ok := rs.log.Get(p.MessageID); ok {
			c.mirrorMessage(&msg)
			c.emitRoom(chatID, Change{Kind: ChangeReaction, ChatID: chatID, Message: &msg})
		}

	case transport.TypingUpdatePayload:
		if p.UserID == c.opts.SelfID {
			return
		}
		c.typing.OnTypingEvent(chatID, p.UserID)
		c.emitRoom(chatID, Change{Kind: ChangeTyping, ChatID: chatID, Typing: c.typing.Typing(chatID)})
	}
}

// bumpUnread учитывает входящее и шлёт web push, если комната не в фокусе.
func (c *Core) bumpUnread(chatID string, msg *model.Message) {
	if !c.unread.OnInbound(chatID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := c.opts.Markers.SetUnread(ctx, chatID, c.unread.Count(chatID)); err != nil {
		logger.Errorf("core: persist unread chat=%s: %v", chatID, err)
	}
	cancel()

	if c.opts.Notifier != nil {
		title := msg.SenderDisplay
		if title == "" {
			title = "Новое сообщение"
		}
		body := msg.Content
		if msg.ContentType != model.ContentTypeText || body == "" {
			body = "Вложение"
		}
		data := map[string]string{"chat_id": chatID, "message_id": msg.ID}
		go c.opts.Notifier.Notify(context.Background(), title, body, data)
	}
	c.emitRoom(chatID, Change{Kind: ChangeUnread, ChatID: chatID, UnreadTotal: c.unread.Total()})
}

// refetchHistory дотягивает страницу истории комнаты у коллаборатора и
// вливает её в журнал (после реконнекта — закрывает пропуск).
func (c *Core) refetchHistory(chatID string) {
	rs := c.room(chatID)
	if rs == nil || !c.opts.History.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := c.opts.History.FetchHistory(ctx, chatID, "", c.opts.HistoryPage)
	if err != nil {
		logger.Errorf("core: history refetch chat=%s: %v", chatID, err)
		return
	}
	if n := rs.log.MergeHistory(msgs); n > 0 {
		for i := range msgs {
			c.mirrorMessage(&msgs[i])
		}
		c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID})
	}
}

// FetchOlder подгружает страницу истории старше beforeID (скролл вверх).
func (c *Core) FetchOlder(ctx context.Context, chatID, beforeID string) (int, error) {
	rs := c.room(chatID)
	if rs == nil {
		return 0, ErrRoomNotJoined
	}
	msgs, err := c.opts.History.FetchHistory(ctx, chatID, beforeID, c.opts.HistoryPage)
	if err != nil {
		return 0, err
	}
	n := rs.log.MergeHistory(msgs)
	return n, nil
}

func (c *Core) mirrorMessage(msg *model.Message) {
	if c.opts.Mirror == nil || msg.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.opts.Mirror.UpsertMessage(ctx, msg); err != nil {
		logger.Errorf("core: mirror message %s: %v", msg.ID, err)
	}
}

// sweepLoop раз в секунду переводит просроченные pending в failed и
// чистит истёкшие typing-записи.
func (c *Core) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Core) sweep(now time.Time) {
	c.mu.Lock()
	rooms := make([]*roomState, 0, len(c.rooms))
	for _, rs := range c.rooms {
		rooms = append(rooms, rs)
	}
	c.mu.Unlock()

	for _, rs := range rooms {
		chatID := rs.log.ChatID()
		for _, corr := range rs.log.MarkExpired(now) {
			logger.Infof("core: send timed out chat=%s corr=%s", chatID, corr)
			if msg, ok := failedMessage(rs.log, corr); ok {
				c.emitRoom(chatID, Change{Kind: ChangeMessage, ChatID: chatID, Message: msg})
			}
		}
	}
	for _, chatID := range c.typing.Sweep(now) {
		c.emitRoom(chatID, Change{Kind: ChangeTyping, ChatID: chatID, Typing: c.typing.Typing(chatID)})
	}
}

func failedMessage(log *store.RoomLog, corr string) (*model.Message, bool) {
	for _, m := range log.Messages() {
		if m.ClientCorrelationID == corr {
			msg := m
			return &msg, true
		}
	}
	return nil, false
}

// emitRoom доставляет изменение слушателям комнаты и глобальным слушателям.
func (c *Core) emitRoom(chatID string, ch Change) {
	c.deliver(chatID, ch)
	c.deliver("", ch)
}

// emit доставляет изменение только глобальным слушателям.
func (c *Core) emit(ch Change) {
	c.deliver("", ch)
}

func (c *Core) deliver(key string, ch Change) {
	c.mu.Lock()
	fns := make([]func(Change), 0, len(c.listeners[key]))
	for _, fn := range c.listeners[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
