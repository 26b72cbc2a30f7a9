// Package history — клиент REST-коллаборатора истории: постраничная
// загрузка сообщений, маркеры прочтения, создание комнат.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatsync/internal/model"
)

// Client вызывает сервис истории. Пустой baseURL — методы no-op
// (офлайн-режим и тесты без коллаборатора).
type Client struct {
	baseURL    string
	identity   string
	httpClient *http.Client
}

// NewClient создаёт клиент. identity — опаковый токен сессии, прокидывается
// как Bearer.
func NewClient(baseURL, identity string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		identity: identity,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled сообщает, настроен ли коллаборатор.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// FetchHistory возвращает страницу сообщений комнаты старше beforeID
// (пустой beforeID — последняя страница).
func (c *Client) FetchHistory(ctx context.Context, chatID, beforeID string, limit int) ([]model.Message, error) {
	if c.baseURL == "" {
		return nil, nil
	}
	q := url.Values{}
	q.Set("chat_id", chatID)
	if beforeID != "" {
		q.Set("before_id", beforeID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/history?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history fetch chat=%s: %w", chatID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch chat=%s: status %d", chatID, resp.StatusCode)
	}

	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("history decode chat=%s: %w", chatID, err)
	}
	return out.Messages, nil
}

// MarkRead сообщает коллаборатору маркер прочтения.
func (c *Client) MarkRead(ctx context.Context, chatID, userID string) error {
	if c.baseURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "user_id": userID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/read", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("history mark read chat=%s: %w", chatID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("history mark read chat=%s: status %d", chatID, resp.StatusCode)
	}
	return nil
}

// CreateRoom создаёт комнату с участниками и возвращает её описание.
func (c *Client) CreateRoom(ctx context.Context, participantIDs []string) (*model.Room, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("history collaborator not configured")
	}
	body, err := json.Marshal(map[string]any{"participant_ids": participantIDs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rooms", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history create room: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("history create room: status %d", resp.StatusCode)
	}

	var room model.Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return nil, fmt.Errorf("history create room decode: %w", err)
	}
	return &room, nil
}

func (c *Client) auth(req *http.Request) {
	if c.identity != "" {
		req.Header.Set("Authorization", "Bearer "+c.identity)
	}
}
