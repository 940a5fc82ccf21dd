package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "market-alerts/internal/errors"
	"market-alerts/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis history backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Key is the list holding serialized triggers. Totals live in Key+":totals".
	Key string
}

// RedisHistory implements HistoryLog on a Redis list.
type RedisHistory struct {
	client    *redis.Client
	key       string
	totalsKey string
}

// NewRedisHistory connects to Redis and verifies the connection.
func NewRedisHistory(ctx context.Context, cfg RedisConfig) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.NewStoreError("redis", "ping", err)
	}
	return NewRedisHistoryWithClient(client, cfg.Key), nil
}

// NewRedisHistoryWithClient wraps an existing client.
func NewRedisHistoryWithClient(client *redis.Client, key string) *RedisHistory {
	if key == "" {
		key = "alerts:history"
	}
	return &RedisHistory{client: client, key: key, totalsKey: key + ":totals"}
}

// Append pushes a trigger and bumps the totals in one transaction.
func (h *RedisHistory) Append(ctx context.Context, t *models.AlertTrigger) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding trigger: %w", err)
	}
	delta := totalsOf(t)

	_, err = h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, h.key, data)
		pipe.HIncrBy(ctx, h.totalsKey, "triggers", delta.Triggers)
		pipe.HIncrBy(ctx, h.totalsKey, "deliveries", delta.Deliveries)
		pipe.HIncrBy(ctx, h.totalsKey, "successes", delta.Successes)
		return nil
	})
	if err != nil {
		return apperrors.NewStoreError("redis", "append trigger", err)
	}
	return nil
}

// Recent returns the latest triggers, most recent first.
func (h *RedisHistory) Recent(ctx context.Context, limit int) ([]*models.AlertTrigger, error) {
	triggers := make([]*models.AlertTrigger, 0)
	if limit <= 0 {
		return triggers, nil
	}

	items, err := h.client.LRange(ctx, h.key, 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, apperrors.NewStoreError("redis", "query history", err)
	}
	for _, item := range items {
		var t models.AlertTrigger
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decoding trigger: %w", err)
		}
		triggers = append(triggers, &t)
	}
	return triggers, nil
}

// Totals reads the aggregate counters.
func (h *RedisHistory) Totals(ctx context.Context) (HistoryTotals, error) {
	vals, err := h.client.HGetAll(ctx, h.totalsKey).Result()
	if err != nil && err != redis.Nil {
		return HistoryTotals{}, apperrors.NewStoreError("redis", "history totals", err)
	}

	var totals HistoryTotals
	for field, dst := range map[string]*int64{
		"triggers":   &totals.Triggers,
		"deliveries": &totals.Deliveries,
		"successes":  &totals.Successes,
	} {
		v, ok := vals[field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return HistoryTotals{}, fmt.Errorf("parsing %s counter: %w", field, err)
		}
		*dst = n
	}
	return totals, nil
}

// Close closes the Redis client.
func (h *RedisHistory) Close() error {
	return h.client.Close()
}
