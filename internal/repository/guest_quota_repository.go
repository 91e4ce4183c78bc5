package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// GuestQuotaRepository 记录访客已使用的提问次数。
type GuestQuotaRepository interface {
	Remaining(ctx context.Context, guestID string) (int, error)
	Increment(ctx context.Context, guestID string) (int, error)
	Reset(ctx context.Context, guestID string) error
	Limit() int
}

type redisGuestQuotaRepository struct {
	redisClient *redis.Client
	limit       int
	ttl         time.Duration
}

// NewGuestQuotaRepository 创建一个新的 GuestQuotaRepository 实例。
func NewGuestQuotaRepository(redisClient *redis.Client, limit int, ttl time.Duration) GuestQuotaRepository {
	return &redisGuestQuotaRepository{redisClient: redisClient, limit: limit, ttl: ttl}
}

func guestQuotaKey(guestID string) string {
	return fmt.Sprintf("guest:%s:queries", guestID)
}

func (r *redisGuestQuotaRepository) Limit() int {
	return r.limit
}

// Remaining 返回剩余次数，不会小于 0。
func (r *redisGuestQuotaRepository) Remaining(ctx context.Context, guestID string) (int, error) {
	used, err := r.redisClient.Get(ctx, guestQuotaKey(guestID)).Int()
	if err == redis.Nil {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get guest quota: %w", err)
	}
	if used >= r.limit {
		return 0, nil
	}
	return r.limit - used, nil
}

// Increment 将已使用次数加一并返回新值。
func (r *redisGuestQuotaRepository) Increment(ctx context.Context, guestID string) (int, error) {
	key := guestQuotaKey(guestID)
	used, err := r.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment guest quota: %w", err)
	}
	if used == 1 && r.ttl > 0 {
		_ = r.redisClient.Expire(ctx, key, r.ttl).Err()
	}
	return int(used), nil
}

// Reset 清除访客的使用记录，登录后调用。
func (r *redisGuestQuotaRepository) Reset(ctx context.Context, guestID string) error {
	if err := r.redisClient.Del(ctx, guestQuotaKey(guestID)).Err(); err != nil {
		return fmt.Errorf("failed to reset guest quota: %w", err)
	}
	return nil
}
