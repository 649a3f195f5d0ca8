package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry reads tracked contracts from a Redis hash. The enrichment
// pipeline writes one field per contract address, with a JSON value carrying
// the owning dApp.
type RedisRegistry struct {
	client *redis.Client
	key    string
}

type redisEntry struct {
	DappID   string `json:"dapp_id"`
	DappName string `json:"dapp_name,omitempty"`
}

// NewRedisRegistry initializes the Redis-backed registry.
// addr: e.g., "localhost:6379"
// key: hash key holding the contract set (defaults to "dappscout:contracts")
func NewRedisRegistry(addr, password string, db int, key string) (*RedisRegistry, error) {
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

	if key == "" {
		key = "dappscout:contracts"
	}

	return &RedisRegistry{
		client: rdb,
		key:    key,
	}, nil
}

func (r *RedisRegistry) LoadTrackedContracts(ctx context.Context, dappID string) ([]TrackedContract, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raw := make([]TrackedContract, 0, len(fields))
	for addr, val := range fields {
		var e redisEntry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			log.Warn("Ignoring unparseable registry entry", "address", addr, "err", err)
			continue
		}
		if dappID != "" && e.DappID != dappID {
			continue
		}
		raw = append(raw, TrackedContract{Address: addr, DappID: e.DappID, DappName: e.DappName})
	}

	return sanitize(raw), nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
