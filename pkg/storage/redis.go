package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/84hero/dapp-scout/pkg/aggregate"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements the Cache interface over Redis string keys with
// native TTL expiry.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache initializes Redis-backed caching.
// addr: e.g., "localhost:6379"
// prefix: key prefix (e.g., "dappscout:"). Final key is prefix + cache_key
func NewRedisCache(addr, password string, db int, prefix string) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "dappscout:"
	}

	return &RedisCache{
		client: rdb,
		prefix: prefix,
	}, nil
}

func (r *RedisCache) Load(key string) (*aggregate.InteractionSummary, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary aggregate.InteractionSummary
	if err := json.Unmarshal(val, &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (r *RedisCache) Save(key string, summary *aggregate.InteractionSummary, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.prefix+key, payload, ttl).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
