package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"heartbeat/internal/logger"
	"heartbeat/internal/metrics"
	"heartbeat/internal/state"
)

const ownerKeyPrefix = "device-owner:"

// CachedResolver is a read-through cache in front of a DeviceResolver. Cache
// failures fall back to the underlying resolver. Unknown devices are not
// cached so a device registered later is picked up on the next message.
type CachedResolver struct {
	next  DeviceResolver
	cache state.StateStore
	ttl   time.Duration
}

func NewCachedResolver(next DeviceResolver, cache state.StateStore, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, cache: cache, ttl: ttl}
}

func (r *CachedResolver) OwnerOf(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	log := logger.WithComponent("owner_cache")
	key := ownerKeyPrefix + deviceID.String()

	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		if owner, perr := uuid.ParseBytes(raw); perr == nil {
			metrics.OwnerCacheTotal.WithLabelValues("hit").Inc()
			return owner, nil
		}
		metrics.OwnerCacheTotal.WithLabelValues("error").Inc()
		log.Warn().Str("key", key).Msg("discarding corrupt cache entry")
	case errors.Is(err, state.ErrMiss):
		metrics.OwnerCacheTotal.WithLabelValues("miss").Inc()
	default:
		metrics.OwnerCacheTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("owner cache unavailable")
	}

	owner, err := r.next.OwnerOf(ctx, deviceID)
	if err != nil {
		return uuid.Nil, err
	}

	if err := r.cache.Set(ctx, key, []byte(owner.String()), r.ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to cache device owner")
	}
	return owner, nil
}
