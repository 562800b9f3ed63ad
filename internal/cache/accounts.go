// Package cache is the write-through Redis cache of account records. The
// JSON document lives under the account-identifier key; the three secondary
// keys (number, PNI, username) map to the identifier and are dereferenced on
// read. The cache is strictly best-effort: every failure here degrades to a
// primary-store lookup, never to a failed operation.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/relaymsg/accountd/internal/account"
)

const (
	accountEntityPrefix = "Account3::"
	accountMapPrefix    = "AccountMap::"
)

// TTL for all account cache entries. An account that's used at least daily
// will get reset in the cache at least once per day when its "last seen"
// timestamp updates; expiring entries after two days clears out "zombie"
// entries that are read frequently but not actively used by the owner.
const TTL = 2 * 24 * time.Hour

var requests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "accountd_account_cache_requests_total",
	Help: "Account cache lookups by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(requests)
}

// AccountCache is the cache adapter.
type AccountCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewAccountCache creates the adapter with the standard TTL.
func NewAccountCache(rdb redis.UniversalClient) *AccountCache {
	return &AccountCache{rdb: rdb, ttl: TTL}
}

func entityKey(aci uuid.UUID) string {
	return accountEntityPrefix + aci.String()
}

func mapKey(secondary string) string {
	return accountMapPrefix + secondary
}

// Set writes the account document and all secondary-key entries. Transport
// failures are logged, not surfaced.
func (c *AccountCache) Set(ctx context.Context, a *account.Account) {
	data, err := json.Marshal(a)
	if err != nil {
		// Accounts are plain data and always serialize; getting here is a
		// programming bug, not a runtime condition.
		panic(fmt.Sprintf("account %s is not serializable: %v", a.ACI, err))
	}

	aci := a.ACI.String()

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, mapKey(a.PNI.String()), aci, c.ttl)
	pipe.Set(ctx, mapKey(a.Number), aci, c.ttl)
	pipe.Set(ctx, entityKey(a.ACI), data, c.ttl)
	if a.Username != "" {
		pipe.Set(ctx, mapKey(a.Username), aci, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("aci", aci).Msg("account cache write failed")
	}
}

// Delete removes the account's entries. It must run against the pre-image of
// any secondary key that is about to change: the post-image cannot derive
// the old keys.
func (c *AccountCache) Delete(ctx context.Context, a *account.Account) {
	keys := []string{
		mapKey(a.Number),
		mapKey(a.PNI.String()),
		entityKey(a.ACI),
	}
	if a.Username != "" {
		keys = append(keys, mapKey(a.Username))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Str("aci", a.ACI.String()).Msg("account cache delete failed")
	}
}

// GetByACI returns the cached account, or nil on a miss or any failure.
func (c *AccountCache) GetByACI(ctx context.Context, aci uuid.UUID) *account.Account {
	raw, err := c.rdb.Get(ctx, entityKey(aci)).Result()
	if errors.Is(err, redis.Nil) {
		requests.WithLabelValues("miss").Inc()
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Str("aci", aci.String()).Msg("account cache read failed")
		requests.WithLabelValues("error").Inc()
		return nil
	}

	a := decodeAccount(aci, []byte(raw))
	if a == nil {
		requests.WithLabelValues("error").Inc()
		return nil
	}
	requests.WithLabelValues("hit").Inc()
	return a
}

// GetByE164 dereferences the number entry.
func (c *AccountCache) GetByE164(ctx context.Context, number string) *account.Account {
	return c.getBySecondary(ctx, number)
}

// GetByPNI dereferences the phone-number-identifier entry.
func (c *AccountCache) GetByPNI(ctx context.Context, pni uuid.UUID) *account.Account {
	return c.getBySecondary(ctx, pni.String())
}

// GetByUsername dereferences the username entry.
func (c *AccountCache) GetByUsername(ctx context.Context, username string) *account.Account {
	return c.getBySecondary(ctx, username)
}

func (c *AccountCache) getBySecondary(ctx context.Context, key string) *account.Account {
	raw, err := c.rdb.Get(ctx, mapKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		requests.WithLabelValues("miss").Inc()
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("account cache read failed")
		requests.WithLabelValues("error").Inc()
		return nil
	}

	aci, err := uuid.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("account cache map entry is not an identifier")
		requests.WithLabelValues("error").Inc()
		return nil
	}
	return c.GetByACI(ctx, aci)
}

// decodeAccount deserializes a cached document. Anything undecodable is
// treated as a miss so a poisoned entry can never fail a caller.
func decodeAccount(aci uuid.UUID, raw []byte) *account.Account {
	var a account.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		log.Warn().Err(err).Str("aci", aci.String()).Msg("cached account failed to deserialize")
		return nil
	}
	a.ACI = aci
	if a.PNI == uuid.Nil {
		log.Warn().Str("aci", aci.String()).Msg("cached account is missing a pni")
	}
	return &a
}
