package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/contexthelper"
	"github.com/b0ase/custody/internal/types"
)

type RedisStorage struct {
	cfg    *config.Config
	client *redis.Client
}

func NewRedisStorage(cfg *config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}, nil
}

func draftLockKey(vaultAddress string) string {
	return fmt.Sprintf("custody-draft-lock-%s", vaultAddress)
}

// AcquireDraftLock takes the per-address advisory lock serializing draft
// creation, so two concurrent drafts can never select overlapping UTXOs.
// The TTL bounds how long a crashed client can block its vault.
func (r *RedisStorage) AcquireDraftLock(ctx context.Context, vaultAddress, withdrawalID string, ttl time.Duration) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	ok, err := r.client.SetNX(ctx, draftLockKey(vaultAddress), withdrawalID, ttl).Result()
	if err != nil {
		return fmt.Errorf("fail to acquire draft lock, err: %w", err)
	}
	if !ok {
		return types.ErrDraftInFlight
	}
	return nil
}

// ReleaseDraftLock frees the lock, but only for its holder: a lock taken
// over by a newer draft after TTL expiry is left alone.
func (r *RedisStorage) ReleaseDraftLock(ctx context.Context, vaultAddress, withdrawalID string) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	holder, err := r.client.Get(ctx, draftLockKey(vaultAddress)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("fail to read draft lock, err: %w", err)
	}
	if holder != withdrawalID {
		return nil
	}
	return r.client.Del(ctx, draftLockKey(vaultAddress)).Err()
}

func (r *RedisStorage) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	return r.client.Set(ctx, key, value, expiry).Err()
}

func (r *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return "", ctx.Err()
	}
	return r.client.Get(ctx, key).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	return r.client.Del(ctx, key).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
