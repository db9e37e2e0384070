// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/redis/go-redis/v9"
)

// DeliveryCache marks auctions as delivered in redis so that a relay cluster
// hands out at most one payload per proposer per slot, even across instances
// and restarts.
type DeliveryCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewDeliveryCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *DeliveryCache {
	return &DeliveryCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (r *DeliveryCache) key(slot phase0.Slot, proposer phase0.BLSPubKey) string {
	return fmt.Sprintf("%s%d:%#x", r.keyPrefix, slot, proposer)
}

// MarkDelivered records that blockHash was delivered for the proposer's slot.
// It returns false when a different block was already delivered for the same
// slot and proposer; re-delivery of the same block is allowed.
func (r *DeliveryCache) MarkDelivered(ctx context.Context, slot phase0.Slot, proposer phase0.BLSPubKey, blockHash phase0.Hash32) (bool, error) {
	key := r.key(slot, proposer)
	value := fmt.Sprintf("%#x", blockHash)

	first, err := r.client.SetNX(ctx, key, value, r.expireDuration).Result()
	if err != nil {
		return false, err
	}
	if first {
		return true, nil
	}

	previous, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return previous == value, nil
}
