package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// PresenceManager tears down the connected-state of individual devices.
// Disconnects are best-effort by contract: the caller swallows failures
// because the account row is already gone when it asks.
type PresenceManager struct {
	rdb redis.UniversalClient
}

// NewPresenceManager creates the presence adapter.
func NewPresenceManager(rdb redis.UniversalClient) *PresenceManager {
	return &PresenceManager{rdb: rdb}
}

func presenceKey(aci uuid.UUID, deviceID int64) string {
	// Hash-tagged so the key and its notification channel co-locate on one
	// cluster slot.
	return fmt.Sprintf("presence::{%s::%d}", aci, deviceID)
}

func presenceChannel(aci uuid.UUID, deviceID int64) string {
	return fmt.Sprintf("presence_disconnect::{%s::%d}", aci, deviceID)
}

// DisconnectPresence removes the device's presence entry and notifies the
// server holding its connection, if any.
func (p *PresenceManager) DisconnectPresence(ctx context.Context, aci uuid.UUID, deviceID int64) error {
	pipe := p.rdb.Pipeline()
	pipe.Del(ctx, presenceKey(aci, deviceID))
	pipe.Publish(ctx, presenceChannel(aci, deviceID), "disconnect")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("disconnect presence for %s device %d: %w", aci, deviceID, err)
	}
	return nil
}
