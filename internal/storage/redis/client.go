package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключи: last_read и unread — хэши chat_id→значение, push:subs — множество
// сериализованных подписок. Подписки живут 30 дней без обновления.
const (
	keyLastRead = "chatsync:last_read"
	keyUnread   = "chatsync:unread"
	keyPushSubs = "chatsync:push:subs"

	pushSubsTTL = 30 * 24 * time.Hour
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetLastRead сохраняет маркер прочтения комнаты (RFC3339).
func (c *Client) SetLastRead(ctx context.Context, chatID string, at time.Time) error {
	return c.cli.HSet(ctx, keyLastRead, chatID, at.UTC().Format(time.RFC3339Nano)).Err()
}

// GetLastRead возвращает маркер прочтения; нулевое время — маркера нет.
func (c *Client) GetLastRead(ctx context.Context, chatID string) (time.Time, error) {
	val, err := c.cli.HGet(ctx, keyLastRead, chatID).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

func (c *Client) SetUnread(ctx context.Context, chatID string, count int) error {
	if count <= 0 {
		return c.ClearUnread(ctx, chatID)
	}
	return c.cli.HSet(ctx, keyUnread, chatID, count).Err()
}

func (c *Client) ClearUnread(ctx context.Context, chatID string) error {
	return c.cli.HDel(ctx, keyUnread, chatID).Err()
}

// AllUnread возвращает все сохранённые счётчики (для восстановления после рестарта).
func (c *Client) AllUnread(ctx context.Context) (map[string]int, error) {
	vals, err := c.cli.HGetAll(ctx, keyUnread).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(vals))
	for chatID, raw := range vals {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			continue
		}
		out[chatID] = n
	}
	return out, nil
}

func (c *Client) AddPushSubscription(ctx context.Context, sub string) error {
	if err := c.cli.SAdd(ctx, keyPushSubs, sub).Err(); err != nil {
		return err
	}
	return c.cli.Expire(ctx, keyPushSubs, pushSubsTTL).Err()
}

func (c *Client) RemovePushSubscription(ctx context.Context, sub string) error {
	return c.cli.SRem(ctx, keyPushSubs, sub).Err()
}

func (c *Client) PushSubscriptions(ctx context.Context) ([]string, error) {
	return c.cli.SMembers(ctx, keyPushSubs).Result()
}
