package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyagen/stbgate/internal/cache"
	"github.com/voyagen/stbgate/internal/logging"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store"
	"github.com/voyagen/stbgate/internal/store/storetest"
)

func seed(t *testing.T) (*storetest.Fake, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	f := storetest.New()
	uid := uuid.New()
	f.AddDevice(models.DeviceProfile{UID: uid, MACAddress: "00:1A:79:00:00:01", Portal: "portal.example"})
	require.NoError(t, f.UpsertGenres(ctx, uid, []models.Genre{{GenreID: 1, Number: 1, Name: "News"}}))
	require.NoError(t, f.UpsertChannels(ctx, uid, []models.Channel{
		{ChannelID: 10, Number: 1, Name: "One", GenreID: 1, StreamID: 100},
	}))
	return f, uid
}

func TestCachedStoreServesChannelFromCache(t *testing.T) {
	ctx := context.Background()
	f, uid := seed(t)
	cs := store.NewCachedStore(f, cache.NewMemory(), logging.Discard())

	for i := 0; i < 3; i++ {
		ch, err := cs.GetChannel(ctx, uid, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(100), ch.StreamID)
	}
	assert.Equal(t, 1, f.Reads)
}

func TestCachedStoreInvalidatesOnCatalogWrite(t *testing.T) {
	ctx := context.Background()
	f, uid := seed(t)
	cs := store.NewCachedStore(f, cache.NewMemory(), logging.Discard())

	_, err := cs.GetChannel(ctx, uid, 10)
	require.NoError(t, err)

	require.NoError(t, cs.UpsertChannels(ctx, uid, []models.Channel{
		{ChannelID: 10, Number: 1, Name: "One", GenreID: 1, StreamID: 200},
	}))

	ch, err := cs.GetChannel(ctx, uid, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(200), ch.StreamID)
	assert.Equal(t, 2, f.Reads)
}

func TestCachedStoreToggleInvalidatesLists(t *testing.T) {
	ctx := context.Background()
	f, uid := seed(t)
	cs := store.NewCachedStore(f, cache.NewMemory(), logging.Discard())
	enabled := true

	list, err := cs.ListChannels(ctx, store.ChannelFilter{DeviceUID: uid, Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	now, err := cs.ToggleChannel(ctx, uid, 10)
	require.NoError(t, err)
	assert.True(t, now)

	list, err = cs.ListChannels(ctx, store.ChannelFilter{DeviceUID: uid, Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCachedStorePassesNotFoundThrough(t *testing.T) {
	ctx := context.Background()
	f, uid := seed(t)
	cs := store.NewCachedStore(f, cache.NewMemory(), logging.Discard())

	_, err := cs.GetChannel(ctx, uid, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
