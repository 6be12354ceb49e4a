package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"vowmail/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中。
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现，用于加速发件人到仪式的解析。
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache 创建 Redis 缓存实例。
func NewCache(addr, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping 检查 Redis 连通性。
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ceremonyKey 参与者邮箱对应的缓存键。
func ceremonyKey(email string) string {
	return "directory:email:" + strings.ToLower(strings.TrimSpace(email))
}

// CacheCeremonyForEmail 缓存邮箱到仪式的解析结果。
func (c *Cache) CacheCeremonyForEmail(ctx context.Context, email string, ceremony *domain.Ceremony) error {
	data, err := json.Marshal(ceremony)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ceremonyKey(email), data, c.ttl).Err()
}

// GetCeremonyForEmail 获取缓存的解析结果，未命中返回 ErrCacheMiss。
func (c *Cache) GetCeremonyForEmail(ctx context.Context, email string) (*domain.Ceremony, error) {
	data, err := c.client.Get(ctx, ceremonyKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var ceremony domain.Ceremony
	if err := json.Unmarshal([]byte(data), &ceremony); err != nil {
		return nil, err
	}
	return &ceremony, nil
}

// InvalidateEmail 删除邮箱的缓存条目。
func (c *Cache) InvalidateEmail(ctx context.Context, email string) error {
	return c.client.Del(ctx, ceremonyKey(email)).Err()
}
