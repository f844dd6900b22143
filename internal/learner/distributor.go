package learner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentgrid/backend/internal/core"
)

// seedKeyPrefix namespaces the distributed precedent cache.
const seedKeyPrefix = "precedent:seed:"

// RedisClient is the slice of go-redis the distributor needs. Tests swap in
// a fake; production passes *redis.Client.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDistributor pushes approved seeds into Redis so every service process
// sees them on its next sync cycle.
type RedisDistributor struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisDistributor creates the distributor. ttl of zero keeps seeds until
// revoked.
func NewRedisDistributor(client RedisClient, ttl time.Duration) *RedisDistributor {
	return &RedisDistributor{client: client, ttl: ttl}
}

func (d *RedisDistributor) Distribute(ctx context.Context, seed core.PrecedentSeed) error {
	b, err := json.Marshal(seed)
	if err != nil {
		return err
	}
	return d.client.Set(ctx, seedKeyPrefix+seed.SeedID, b, d.ttl).Err()
}

func (d *RedisDistributor) Revoke(ctx context.Context, seedID string) error {
	return d.client.Del(ctx, seedKeyPrefix+seedID).Err()
}

// MemoryDistributor is the in-process fallback for dev and tests.
type MemoryDistributor struct {
	mu    sync.Mutex
	seeds map[string]core.PrecedentSeed
}

func NewMemoryDistributor() *MemoryDistributor {
	return &MemoryDistributor{seeds: make(map[string]core.PrecedentSeed)}
}

func (d *MemoryDistributor) Distribute(ctx context.Context, seed core.PrecedentSeed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeds[seed.SeedID] = seed
	return nil
}

func (d *MemoryDistributor) Revoke(ctx context.Context, seedID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seeds, seedID)
	return nil
}

// Distributed lists the currently distributed seeds.
func (d *MemoryDistributor) Distributed() []core.PrecedentSeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.PrecedentSeed, 0, len(d.seeds))
	for _, s := range d.seeds {
		out = append(out, s)
	}
	return out
}
