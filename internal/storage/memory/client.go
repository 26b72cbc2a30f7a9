package memory

import (
	"context"
	"sync"
	"time"
)

// Client — реализация MarkerStore в памяти для -dev и тестов.
type Client struct {
	mu       sync.RWMutex
	lastRead map[string]time.Time
	unread   map[string]int
	subs     map[string]struct{}
}

func New() *Client {
	return &Client{
		lastRead: make(map[string]time.Time),
		unread:   make(map[string]int),
		subs:     make(map[string]struct{}),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetLastRead(ctx context.Context, chatID string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRead[chatID] = at.UTC()
	return nil
}

func (c *Client) GetLastRead(ctx context.Context, chatID string) (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRead[chatID], nil
}

func (c *Client) SetUnread(ctx context.Context, chatID string, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count <= 0 {
		delete(c.unread, chatID)
		return nil
	}
	c.unread[chatID] = count
	return nil
}

func (c *Client) ClearUnread(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unread, chatID)
	return nil
}

func (c *Client) AllUnread(ctx context.Context) (map[string]int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.unread))
	for k, v := range c.unread {
		out[k] = v
	}
	return out, nil
}

func (c *Client) AddPushSubscription(ctx context.Context, sub string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub] = struct{}{}
	return nil
}

func (c *Client) RemovePushSubscription(ctx context.Context, sub string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
	return nil
}

func (c *Client) PushSubscriptions(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out, nil
}
