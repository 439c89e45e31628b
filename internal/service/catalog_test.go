package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/stbgate/internal/portal"
	"github.com/voyagen/stbgate/internal/store"
)

func TestSyncCatalogMarksMissingChannelsStale(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	uid := p.device.UID

	p.channels = channelJSON(1, 2)
	res, err := s.SyncCatalog(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Genres)
	assert.Equal(t, 2, res.Channels)
	assert.Len(t, res.Rejections, 1) // the "*" genre

	require.NoError(t, fs.SetChannelEnabled(ctx, uid, 2, true))

	p.channels = channelJSON(1)
	res, err = s.SyncCatalog(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stale)

	b, err := fs.GetChannel(ctx, uid, 2)
	require.NoError(t, err, "stale channel must not be deleted")
	assert.True(t, b.Stale)
	assert.True(t, b.Enabled)

	a, err := fs.GetChannel(ctx, uid, 1)
	require.NoError(t, err)
	assert.False(t, a.Stale)
}

func TestSyncCatalogPreservesEnabledAndClearsStale(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	uid := p.device.UID

	p.channels = channelJSON(1, 2)
	_, err := s.SyncCatalog(ctx, p)
	require.NoError(t, err)
	require.NoError(t, fs.SetChannelEnabled(ctx, uid, 1, true))

	p.channels = channelJSON(2)
	_, err = s.SyncCatalog(ctx, p)
	require.NoError(t, err)

	p.channels = channelJSON(1, 2)
	_, err = s.SyncCatalog(ctx, p)
	require.NoError(t, err)

	a, err := fs.GetChannel(ctx, uid, 1)
	require.NoError(t, err)
	assert.True(t, a.Enabled)
	assert.False(t, a.Stale)

	b, err := fs.GetChannel(ctx, uid, 2)
	require.NoError(t, err)
	assert.False(t, b.Enabled, "new channels start disabled")
}

func TestSyncCatalogRejectsUnknownGenre(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)

	p.channels = `[
		{"id":"1","number":"1","name":"Good","hd":"1","tv_genre_id":"1","cmds":[{"id":"10"}]},
		{"id":"2","number":"2","name":"Orphan","hd":"1","tv_genre_id":"7","cmds":[{"id":"20"}]},
		{"id":"3","number":"3","name":"NoStream","hd":"1","tv_genre_id":"1","cmds":[]}
	]`
	res, err := s.SyncCatalog(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Channels)

	kinds := map[string]int{}
	for _, r := range res.Rejections {
		kinds[r.Kind]++
	}
	assert.Equal(t, 2, kinds["channel"])

	_, err = fs.GetChannel(ctx, p.device.UID, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncCatalogFetchFailureWritesNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("genres", func(t *testing.T) {
		s, fs, p, _ := newTestSyncer(t)
		p.genresErr = portal.ErrAwaitingTimeout
		_, err := s.SyncCatalog(ctx, p)
		assert.ErrorIs(t, err, portal.ErrAwaitingTimeout)
		assert.Zero(t, fs.Writes)
	})

	t.Run("channels", func(t *testing.T) {
		s, fs, p, _ := newTestSyncer(t)
		p.channelErr = portal.ErrRetryDepth
		_, err := s.SyncCatalog(ctx, p)
		assert.ErrorIs(t, err, portal.ErrRetryDepth)
		assert.Zero(t, fs.Writes)
	})
}

func TestSyncCatalogDeviceRemovedMidRun(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	p.channels = channelJSON(1)
	fs.DeleteDevice(p.device.UID)

	_, err := s.SyncCatalog(ctx, p)
	assert.ErrorIs(t, err, store.ErrDeviceGone)
}

func TestSyncCatalogCompletesTaskLog(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	p.channels = channelJSON(1)

	_, err := s.SyncCatalog(ctx, p)
	require.NoError(t, err)

	logs, err := fs.ListTaskLogs(ctx, p.device.UID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sync_catalog", logs[0].TaskName)
	assert.NotNil(t, logs[0].CompletedAt)
}
