package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/datarand/datarand-backend/pkg/logging"
)

// releaseScript deletes the lock only if it still holds our token.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

type Config struct {
	URL         string
	Password    string
	PingTimeout time.Duration
}

// Client wraps go-redis with the few commands the marketplace needs.
type Client struct {
	client *redis.Client
	logger logging.Logger
}

func NewClient(cfg Config, logger logging.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is not set")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}

	redisClient := &Client{
		client: redis.NewClient(opt),
		logger: logger,
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if err := redisClient.CheckConnection(timeout); err != nil {
		_ = redisClient.client.Close()
		return nil, err
	}

	return redisClient, nil
}

// NewClientFromRedis wraps an existing go-redis client.
func NewClientFromRedis(client *redis.Client, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Client{client: client, logger: logger}
}

func (c *Client) CheckConnection(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.Ping(ctx); err != nil {
		c.logger.Errorf("Failed to connect to Redis: %v", err)
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.logger.Info("Successfully connected to Redis")
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns "" with a nil error for a missing key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// Eval executes a Lua script
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return c.client.Eval(ctx, script, keys, args...).Result()
}

// SAddCount adds member to the set at key, refreshes its expiry and
// returns the set's cardinality.
func (c *Client) SAddCount(ctx context.Context, key, member string, expiration time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// TryLock takes key for ttl when nobody holds it. The returned release
// function is a no-op when the lock was not acquired.
func (c *Client) TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, func(context.Context) error, error) {
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, func(context.Context) error { return nil }, err
	}
	if !ok {
		return false, func(context.Context) error { return nil }, nil
	}
	release := func(ctx context.Context) error {
		return c.client.Eval(ctx, releaseScript, []string{key}, token).Err()
	}
	return true, release, nil
}

func (c *Client) Client() *redis.Client {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
