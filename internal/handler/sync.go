package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chatsync/internal/core"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/push"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/store"
)

// SyncHandler — REST-поверхность шлюза для презентационного слоя.
type SyncHandler struct {
	core     *core.Core
	markers  storage.MarkerStore
	notifier *push.Notifier
}

func NewSyncHandler(c *core.Core, markers storage.MarkerStore, notifier *push.Notifier) *SyncHandler {
	return &SyncHandler{core: c, markers: markers, notifier: notifier}
}

// GetRooms возвращает известные комнаты со счётчиками непрочитанного.
func (h *SyncHandler) GetRooms(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.GetRooms", time.Now())()
	rooms, err := h.core.Rooms(r.Context())
	if err != nil {
		logger.Errorf("get rooms: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []model.Room{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// CreateRoom создаёт комнату у коллаборатора и сразу подписывается на неё.
func (h *SyncHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.CreateRoom", time.Now())()
	var req struct {
		ParticipantIDs []string `json:"participant_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ParticipantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "participant_ids required")
		return
	}
	room, err := h.core.CreateRoom(r.Context(), req.ParticipantIDs)
	if err != nil {
		logger.Errorf("create room: %v", err)
		writeError(w, http.StatusBadGateway, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// JoinRoom подписывает шлюз на комнату.
func (h *SyncHandler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	if err := h.core.JoinRoom(r.Context(), chatID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LeaveRoom снимает подписку комнаты.
func (h *SyncHandler) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	h.core.LeaveRoom(chi.URLParam(r, "chatId"))
	w.WriteHeader(http.StatusNoContent)
}

// GetMessages возвращает журнал комнаты; с before_id сперва догружает
// страницу старой истории у коллаборатора.
func (h *SyncHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.GetMessages", time.Now())()
	chatID := chi.URLParam(r, "chatId")
	if beforeID := r.URL.Query().Get("before_id"); beforeID != "" {
		if _, err := h.core.FetchOlder(r.Context(), chatID, beforeID); err != nil {
			logger.Errorf("fetch older chat=%s: %v", chatID, err)
		}
	}
	msgs := h.core.Messages(chatID)
	if limit := queryInt(r, "limit", 0); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// SendMessage — REST-вариант интента send (для клиентов без WebSocket).
func (h *SyncHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("handler.SendMessage", time.Now())()
	chatID := chi.URLParam(r, "chatId")
	var req struct {
		Content          string            `json:"content"`
		ContentType      model.ContentType `json:"content_type"`
		MediaRef         string            `json:"media_ref"`
		ReplyToMessageID string            `json:"reply_to_message_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Content == "" && req.MediaRef == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if req.ContentType == "" {
		req.ContentType = model.ContentTypeText
	}

	d := store.Draft{Content: req.Content, ContentType: req.ContentType, MediaRef: req.MediaRef}
	if req.ReplyToMessageID != "" {
		snap, err := h.core.BuildReply(chatID, req.ReplyToMessageID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reply target not found")
			return
		}
		d.ReplyTo = snap
	}

	corr, err := h.core.SendMessage(chatID, d)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": corr})
}

// RetryMessage повторяет failed-сообщение.
func (h *SyncHandler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	corr := chi.URLParam(r, "correlationId")
	if err := h.core.RetrySend(chatID, corr); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ToggleReaction переключает реакцию текущего пользователя.
func (h *SyncHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatId")
	var req struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" || req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "message_id and emoji required")
		return
	}
	if err := h.core.ToggleReaction(chatID, req.MessageID, req.Emoji); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MarkRead обнуляет непрочитанное комнаты.
func (h *SyncHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.core.MarkRead(r.Context(), chi.URLParam(r, "chatId"))
	w.WriteHeader(http.StatusNoContent)
}

// GetTyping возвращает печатающих сейчас в комнате.
func (h *SyncHandler) GetTyping(w http.ResponseWriter, r *http.Request) {
	users := h.core.TypingUsers(chi.URLParam(r, "chatId"))
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing": users})
}

// GetUnread возвращает суммарное и текущее по комнате непрочитанное.
func (h *SyncHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"total": h.core.UnreadTotal()}
	if chatID := r.URL.Query().Get("chat_id"); chatID != "" {
		resp["room"] = h.core.UnreadCount(chatID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetState — состояние транспорта и активные подписки (диагностика UI).
func (h *SyncHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"transport": h.core.TransportState(),
		"joined":    h.core.JoinedRooms(),
	})
}

// SubscribePush сохраняет web-push подписку браузера.
func (h *SyncHandler) SubscribePush(w http.ResponseWriter, r *http.Request) {
	var sub json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || len(sub) == 0 {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}
	if err := h.markers.AddPushSubscription(r.Context(), string(sub)); err != nil {
		logger.Errorf("subscribe push: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribePush удаляет подписку.
func (h *SyncHandler) UnsubscribePush(w http.ResponseWriter, r *http.Request) {
	var sub json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || len(sub) == 0 {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}
	if err := h.markers.RemovePushSubscription(r.Context(), string(sub)); err != nil {
		logger.Errorf("unsubscribe push: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPushKey отдаёт публичный VAPID-ключ для подписки в браузере.
func (h *SyncHandler) GetPushKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.notifier.PublicKey()})
}
