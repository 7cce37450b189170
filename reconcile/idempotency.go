package reconcile

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/oakridge-systems/signalpipeline/storage"
)

// idempotencyCacheTTL bounds how long a negative or positive signal_key
// lookup is cached before the next gate check re-hits Postgres, keeping
// repeated cycles within the same minute-bucket cheap.
const idempotencyCacheTTL = 60 * time.Second

// IdempotencyCache fronts storage.Database.FindBySignalKey with a
// short-lived Redis layer, per the rest-of-pack cache-service idiom
// (koshedutech-binance-trading-app/internal/cache/cache_service.go):
// Redis failures degrade to a direct database read rather than blocking the
// gate.
type IdempotencyCache struct {
	db     *storage.Database
	client *redis.Client
}

// NewIdempotencyCache constructs a cache over db, fronted by a Redis client
// at addr. If addr is empty, the cache always degrades to direct database
// reads.
func NewIdempotencyCache(db *storage.Database, addr string) *IdempotencyCache {
	c := &IdempotencyCache{db: db}
	if addr != "" {
		c.client = redis.NewClient(&redis.Options{Addr: addr})
	}
	return c
}

// Exists reports whether an order with signalKey was placed within the last
// 24h (spec §4.3 step 5, IDEMPOTENCY_BLOCKED).
func (c *IdempotencyCache) Exists(ctx context.Context, signalKey string, lookback time.Duration) (bool, error) {
	if c.client != nil {
		if cached, err := c.client.Get(ctx, cacheKey(signalKey)).Result(); err == nil {
			return cached == "1", nil
		}
	}

	order, err := c.db.FindBySignalKey(signalKey, lookback)
	if err != nil {
		return false, err
	}
	exists := order != nil

	if c.client != nil {
		val := "0"
		if exists {
			val = "1"
		}
		if err := c.client.Set(ctx, cacheKey(signalKey), val, idempotencyCacheTTL).Err(); err != nil {
			log.Debug().Err(err).Msg("idempotency cache write failed, continuing without cache")
		}
	}
	return exists, nil
}

func cacheKey(signalKey string) string {
	return "signal_key:" + signalKey
}
