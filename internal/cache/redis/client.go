package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/pkg/logger"
)

// Client memoizes search results keyed by query fingerprint. Entries expire
// after a fixed TTL; correctness under profile changes comes from the
// fingerprint itself, which embeds snapshot versions.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// GetResult loads a cached search result into dest. Returns false on miss.
func (c *Client) GetResult(ctx context.Context, fingerprint string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, "result:"+fingerprint).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get cached result: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	logger.Debug("Result cache hit", zap.String("fingerprint", fingerprint))
	return true, nil
}

func (c *Client) SetResult(ctx context.Context, fingerprint string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Set(ctx, "result:"+fingerprint, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set result cache: %w", err)
	}

	logger.Debug("Result cached", zap.String("fingerprint", fingerprint), zap.Duration("ttl", c.ttl))
	return nil
}
