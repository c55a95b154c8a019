package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"heartbeat/internal/state"
	"heartbeat/internal/storage"
)

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("redis: connection refused")
}

func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (brokenCache) Close() error { return nil }

func TestCachedResolver_ReadThrough(t *testing.T) {
	next := &fakeOwners{owners: map[uuid.UUID]uuid.UUID{deviceD1: userU1}}
	cache := state.NewMemoryStore()
	r := NewCachedResolver(next, cache, time.Minute)

	for i := 0; i < 3; i++ {
		owner, err := r.OwnerOf(context.Background(), deviceD1)
		require.NoError(t, err)
		assert.Equal(t, userU1, owner)
	}
	assert.Equal(t, 1, next.calls)

	raw, err := cache.Get(context.Background(), "device-owner:"+deviceD1.String())
	require.NoError(t, err)
	assert.Equal(t, userU1.String(), string(raw))
}

func TestCachedResolver_UnknownDeviceNotCached(t *testing.T) {
	next := &fakeOwners{owners: map[uuid.UUID]uuid.UUID{}}
	r := NewCachedResolver(next, state.NewMemoryStore(), time.Minute)

	for i := 0; i < 2; i++ {
		_, err := r.OwnerOf(context.Background(), deviceD1)
		assert.ErrorIs(t, err, storage.ErrDeviceNotFound)
	}
	assert.Equal(t, 2, next.calls)
}

func TestCachedResolver_CacheFailureFallsBack(t *testing.T) {
	next := &fakeOwners{owners: map[uuid.UUID]uuid.UUID{deviceD1: userU1}}
	r := NewCachedResolver(next, brokenCache{}, time.Minute)

	owner, err := r.OwnerOf(context.Background(), deviceD1)
	require.NoError(t, err)
	assert.Equal(t, userU1, owner)
}

func TestCachedResolver_CorruptEntryIgnored(t *testing.T) {
	next := &fakeOwners{owners: map[uuid.UUID]uuid.UUID{deviceD1: userU1}}
	cache := state.NewMemoryStore()
	require.NoError(t, cache.Set(context.Background(), "device-owner:"+deviceD1.String(), []byte("garbage"), 0))

	owner, err := NewCachedResolver(next, cache, time.Minute).OwnerOf(context.Background(), deviceD1)
	require.NoError(t, err)
	assert.Equal(t, userU1, owner)
	assert.Equal(t, 1, next.calls)
}
