package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

const (
	// Префиксы ключей для различных типов данных
	balanceKeyPrefix      = "balance:"
	webhookDedupKeyPrefix = "webhook_seen:"

	// TTL для кэша
	defaultCacheTTL  = 5 * time.Minute
	webhookDedupeTTL = 48 * time.Hour
)

// RedisCacheRepository реализует кеширование снимков баланса и быструю
// дедупликацию вебхуков через Redis. Кеш никогда не авторитетен:
// источником истины остается хранилище счетов.
type RedisCacheRepository struct {
	client *redis.Client
	log    *logger.Logger
}

// NewRedisCacheRepository создает новый экземпляр Redis репозитория
func NewRedisCacheRepository(redisAddr, redisPassword string, redisDB int, log *logger.Logger) (*RedisCacheRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})

	// Проверяем соединение с Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Errorw("Failed to connect to Redis", "error", err)
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Infow("Connected to Redis successfully", "addr", redisAddr)
	return &RedisCacheRepository{
		client: client,
		log:    log,
	}, nil
}

// Close закрывает соединение с Redis
func (r *RedisCacheRepository) Close() error {
	return r.client.Close()
}

// CacheBalance кеширует снимок баланса магазина
func (r *RedisCacheRepository) CacheBalance(ctx context.Context, balance domain.Balance) error {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, balance.StoreID)

	data, err := json.Marshal(balance)
	if err != nil {
		r.log.Errorw("Failed to marshal balance for caching", "error", err, "storeID", balance.StoreID)
		return fmt.Errorf("failed to marshal balance: %w", err)
	}

	if err := r.client.Set(ctx, key, data, defaultCacheTTL).Err(); err != nil {
		r.log.Errorw("Failed to cache balance in Redis", "error", err, "storeID", balance.StoreID)
		return fmt.Errorf("failed to cache balance: %w", err)
	}

	r.log.Debugw("Balance cached successfully", "storeID", balance.StoreID)
	return nil
}

// GetCachedBalance получает снимок баланса из кеша.
// Возвращает nil без ошибки при промахе кеша.
func (r *RedisCacheRepository) GetCachedBalance(ctx context.Context, storeID string) (*domain.Balance, error) {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, storeID)

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			r.log.Debugw("Balance not found in cache", "storeID", storeID)
			return nil, nil
		}
		r.log.Errorw("Error getting balance from Redis", "error", err, "storeID", storeID)
		return nil, fmt.Errorf("failed to get balance from cache: %w", err)
	}

	var balance domain.Balance
	if err := json.Unmarshal(data, &balance); err != nil {
		r.log.Errorw("Failed to unmarshal cached balance", "error", err, "storeID", storeID)
		return nil, fmt.Errorf("failed to unmarshal cached balance: %w", err)
	}

	r.log.Debugw("Balance retrieved from cache", "storeID", storeID)
	return &balance, nil
}

// InvalidateBalance удаляет снимок баланса из кеша после мутации счета
func (r *RedisCacheRepository) InvalidateBalance(ctx context.Context, storeID string) error {
	key := fmt.Sprintf("%s%s", balanceKeyPrefix, storeID)

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.log.Errorw("Failed to invalidate balance cache", "error", err, "storeID", storeID)
		return fmt.Errorf("failed to invalidate balance cache: %w", err)
	}

	r.log.Debugw("Balance cache invalidated", "storeID", storeID)
	return nil
}

// WebhookSeen проверяет, было ли событие уже обработано.
// Только чтение: ключ выставляет MarkWebhookSeen после успешного
// применения события, чтобы сбой обработки не терял повтор от платформы.
func (r *RedisCacheRepository) WebhookSeen(ctx context.Context, dedupeKey string) (bool, error) {
	key := fmt.Sprintf("%s%s", webhookDedupKeyPrefix, dedupeKey)

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.log.Errorw("Failed to check webhook dedupe key", "error", err, "key", dedupeKey)
		return false, fmt.Errorf("failed to check webhook seen: %w", err)
	}

	return n > 0, nil
}

// MarkWebhookSeen помечает пару subscriptionId+status как обработанную.
// Возвращает true, если событие наблюдается впервые. Это быстрый путь
// дедупликации; машина состояний остается последней линией защиты.
func (r *RedisCacheRepository) MarkWebhookSeen(ctx context.Context, dedupeKey string) (bool, error) {
	key := fmt.Sprintf("%s%s", webhookDedupKeyPrefix, dedupeKey)

	first, err := r.client.SetNX(ctx, key, 1, webhookDedupeTTL).Result()
	if err != nil {
		r.log.Errorw("Failed to mark webhook as seen", "error", err, "key", dedupeKey)
		return false, fmt.Errorf("failed to mark webhook seen: %w", err)
	}

	return first, nil
}
