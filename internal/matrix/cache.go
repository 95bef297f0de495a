package matrix

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"crewroute/internal/model"
)

// RedisCache memoizes matrices from Next keyed by the rounded location list. Cache failures
// are logged and never fail the lookup.
type RedisCache struct {
	Next   Provider
	RDB    redis.UniversalClient
	TTL    time.Duration
	Prefix string
}

func NewRedisCache(next Provider, rdb redis.UniversalClient, ttl time.Duration) *RedisCache {
	return &RedisCache{Next: next, RDB: rdb, TTL: ttl, Prefix: "matrix:"}
}

func (c *RedisCache) Name() string { return c.Next.Name() }

func (c *RedisCache) key(locs []model.Coordinates) string {
	h := sha256.New()
	h.Write([]byte(c.Next.Name()))
	for _, l := range locs {
		// ~1m precision; nearby geocodes of the same address share an entry
		h.Write([]byte(";" + strconv.FormatFloat(l.Lat, 'f', 5, 64) + "," + strconv.FormatFloat(l.Lng, 'f', 5, 64)))
	}
	return c.Prefix + hex.EncodeToString(h.Sum(nil))
}

func (c *RedisCache) GetMatrices(ctx context.Context, locs []model.Coordinates) (model.Matrix, error) {
	key := c.key(locs)
	if raw, err := c.RDB.Get(ctx, key).Bytes(); err == nil {
		var m model.Matrix
		if err := json.Unmarshal(raw, &m); err == nil && m.Validate(len(locs)) == nil {
			return m, nil
		}
		log.Warn().Str("key", key).Msg("discarding malformed cached matrix")
	} else if !errors.Is(err, redis.Nil) {
		log.Warn().Err(err).Msg("matrix cache read failed")
	}

	m, err := c.Next.GetMatrices(ctx, locs)
	if err != nil {
		return model.Matrix{}, err
	}
	if raw, err := json.Marshal(m); err == nil {
		if err := c.RDB.Set(ctx, key, raw, c.TTL).Err(); err != nil {
			log.Warn().Err(err).Msg("matrix cache write failed")
		}
	}
	return m, nil
}

func (c *RedisCache) GetRouteGeometry(ctx context.Context, locs []model.Coordinates) ([][2]float64, error) {
	return c.Next.GetRouteGeometry(ctx, locs)
}
