// Package ws — локальный канал презентации: UI-клиенты подключаются к
// шлюзу по WebSocket, отправляют интенты и получают изменения состояния.
package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/core"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/store"
)

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxConns   int
	core       *core.Core
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	unsub      func()
}

func NewHub(c *core.Core, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 256
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxConns:   maxConns,
		core:       c,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	// Все изменения ядра ретранслируются каждому подключённому клиенту.
	h.unsub = h.core.Subscribe("", func(ch core.Change) {
		h.broadcast(changeFrame(ch))
	})
	defer h.unsub()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		allClients = append(allClients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting client=%s", h.maxConns, c.clientID)
		c.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	logger.Debugf("ws client connected id=%s", c.clientID)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
	logger.Debugf("ws client disconnected id=%s", c.clientID)
}

// HandleIntent dispatches incoming presentation intents.
func (h *Hub) HandleIntent(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSend:
		h.handleSend(c, msg)
	case EventRetry:
		h.handleRetry(c, msg)
	case EventReaction:
		h.handleReaction(c, msg)
	case EventTyping:
		h.handleTyping(c, msg)
	case EventRead:
		h.handleRead(ctx, c, msg)
	case EventJoin:
		h.handleJoin(ctx, c, msg)
	case EventLeave:
		h.handleLeave(c, msg)
	case EventFocus:
		h.core.SetActiveRoom(msg.ChatID)
	default:
		h.sendToClient(c, errorFrame("unknown event type"))
	}
}

func (h *Hub) handleSend(c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if msg.ChatID == "" || (msg.Content == "" && msg.MediaRef == "") {
		h.sendToClient(c, errorFrame("chat_id and content required"))
		return
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = "text"
	}

	d := store.Draft{
		Content:     strings.TrimSpace(msg.Content),
		ContentType: contentType,
		MediaRef:    msg.MediaRef,
	}
	if msg.ReplyToMessageID != "" {
		snap, err := h.core.BuildReply(msg.ChatID, msg.ReplyToMessageID)
		if err != nil {
			h.sendToClient(c, errorFrame("reply target not found"))
			return
		}
		d.ReplyTo = snap
	}

	corr, err := h.core.SendMessage(msg.ChatID, d)
	if err != nil {
		h.sendToClient(c, errorFrame(err.Error()))
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventSend, Payload: SendAck{ChatID: msg.ChatID, CorrelationID: corr}})
}

func (h *Hub) handleRetry(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" || msg.CorrelationID == "" {
		h.sendToClient(c, errorFrame("chat_id and correlation_id required"))
		return
	}
	if err := h.core.RetrySend(msg.ChatID, msg.CorrelationID); err != nil {
		h.sendToClient(c, errorFrame(err.Error()))
	}
}

func (h *Hub) handleReaction(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" || msg.MessageID == "" || msg.Emoji == "" {
		h.sendToClient(c, errorFrame("chat_id, message_id and emoji required"))
		return
	}
	if err := h.core.ToggleReaction(msg.ChatID, msg.MessageID, msg.Emoji); err != nil {
		h.sendToClient(c, errorFrame(err.Error()))
	}
}

func (h *Hub) handleTyping(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	h.core.StartTyping(msg.ChatID)
}

func (h *Hub) handleRead(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h.core.MarkRead(ctx, msg.ChatID)
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleJoin", time.Now())()
	if msg.ChatID == "" {
		h.sendToClient(c, errorFrame("chat_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.core.JoinRoom(ctx, msg.ChatID); err != nil {
		h.sendToClient(c, errorFrame(err.Error()))
	}
}

func (h *Hub) handleLeave(c *Client, msg IncomingMessage) {
	if msg.ChatID == "" {
		return
	}
	h.core.LeaveRoom(msg.ChatID)
}

func (h *Hub) broadcast(msg OutgoingMessage) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client=%s", c.clientID)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
