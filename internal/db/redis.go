package db

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// OpenRedis connects to the cache/queue Redis deployment. addrs is a
// comma-separated address list: one address yields a single-node client,
// several yield a cluster client. The presence keys are hash-tagged so both
// deployments route a device's key and channel identically.
func OpenRedis(ctx context.Context, addrs string) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: strings.Split(addrs, ","),
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info().Str("addrs", addrs).Msg("redis connection established")
	return rdb, nil
}
