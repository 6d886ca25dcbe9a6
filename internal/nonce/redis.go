package nonce

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// RedisAllocator allocates nonces with a single INCR, which is atomic on the
// server side and safe across multiple marketplace instances.
type RedisAllocator struct {
	client *redis.Client
}

func NewRedisAllocator(client *redis.Client) *RedisAllocator {
	return &RedisAllocator{client: client}
}

func (r *RedisAllocator) Next(ctx context.Context, signer models.Address) (uint64, error) {
	key := fmt.Sprintf("nonce:%s", signer.Hex())

	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate nonce for %s: %w", signer.Hex(), err)
	}
	return uint64(n), nil
}
