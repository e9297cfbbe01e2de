package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/lora-ai-tgbot-go/internal/models"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Service caches completion responses keyed by (question, model).
type Service interface {
	Get(ctx context.Context, question, model string) (string, bool)
	Set(ctx context.Context, question, model, answer string) error
	Clear(ctx context.Context) error
}

// NewService picks a backend from configuration. A disabled cache is a no-op.
func NewService(cfg *config.CacheConfig, logger *logrus.Logger) (Service, error) {
	if !cfg.Enabled {
		return &noopCache{}, nil
	}

	switch cfg.Backend {
	case "redis":
		return newRedisCache(cfg, logger)
	case "", "memory":
		return newMemoryCache(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported cache backend: %s", cfg.Backend)
	}
}

type noopCache struct{}

func (noopCache) Get(ctx context.Context, question, model string) (string, bool) { return "", false }
func (noopCache) Set(ctx context.Context, question, model, answer string) error  { return nil }
func (noopCache) Clear(ctx context.Context) error                                { return nil }

// memoryCache keeps entries in-process with TTL eviction.
type memoryCache struct {
	cache   *gocache.Cache
	logger  *logrus.Logger
	maxSize int
}

func newMemoryCache(cfg *config.CacheConfig, logger *logrus.Logger) *memoryCache {
	return &memoryCache{
		cache:   gocache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		maxSize: cfg.MaxSize,
	}
}

func (c *memoryCache) Get(ctx context.Context, question, model string) (string, bool) {
	if val, found := c.cache.Get(cacheKey(question, model)); found {
		entry := val.(*models.CacheEntry)
		c.logger.WithFields(logrus.Fields{
			"model": model,
			"age":   time.Since(entry.CreatedAt),
		}).Debug("Cache hit")
		return entry.Answer, true
	}
	return "", false
}

func (c *memoryCache) Set(ctx context.Context, question, model, answer string) error {
	if c.maxSize > 0 && c.cache.ItemCount() >= c.maxSize {
		c.logger.Warn("Cache size limit reached, clearing expired entries")
		c.cache.DeleteExpired()
	}

	c.cache.SetDefault(cacheKey(question, model), &models.CacheEntry{
		Question:  question,
		Answer:    answer,
		Model:     model,
		CreatedAt: time.Now(),
	})
	return nil
}

func (c *memoryCache) Clear(ctx context.Context) error {
	c.cache.Flush()
	c.logger.Info("Cache cleared")
	return nil
}

// redisCache shares entries across processes.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

func newRedisCache(cfg *config.CacheConfig, logger *logrus.Logger) (*redisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &redisCache{client: client, ttl: cfg.TTL, logger: logger}, nil
}

func (c *redisCache) Get(ctx context.Context, question, model string) (string, bool) {
	data, err := c.client.Get(ctx, "response:"+cacheKey(question, model)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.logger.WithError(err).Warn("Cache read failed")
		return "", false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return "", false
	}
	return entry.Answer, true
}

func (c *redisCache) Set(ctx context.Context, question, model, answer string) error {
	data, err := json.Marshal(&models.CacheEntry{
		Question:  question,
		Answer:    answer,
		Model:     model,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "response:"+cacheKey(question, model), data, c.ttl).Err()
}

func (c *redisCache) Clear(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

func cacheKey(question, model string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", model, question)))
	return hex.EncodeToString(hash[:])
}
