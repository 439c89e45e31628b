package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/stbgate/internal/store"
)

func seedCatalog(t *testing.T, s *Syncer, p *fakePortal, ids ...int64) {
	t.Helper()
	p.channels = channelJSON(ids...)
	_, err := s.SyncCatalog(context.Background(), p)
	require.NoError(t, err)
}

func TestSyncGuidesOverlapReplaces(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	uid := p.device.UID
	seedCatalog(t, s, p, 1)
	require.NoError(t, fs.SetChannelEnabled(ctx, uid, 1, true))

	// 10:00-11:00 UTC, 2024-01-01
	p.epg[1] = `[{"ch_id":"1","name":"First","start_timestamp":1704103200,"stop_timestamp":1704106800}]`
	_, err := s.SyncGuides(ctx, p)
	require.NoError(t, err)

	// same slot, retitled
	p.epg[1] = `[{"ch_id":"1","name":"Second","start_timestamp":1704103200,"stop_timestamp":1704106800}]`
	_, err = s.SyncGuides(ctx, p)
	require.NoError(t, err)

	guides := fs.Guides(uid)
	require.Len(t, guides, 1)
	assert.Equal(t, "Second", guides[0].Title)

	// 10:30-11:30 overlaps the stored 10:00-11:00 slot and replaces it
	p.epg[1] = `[{"ch_id":"1","name":"Shifted","start_timestamp":1704105000,"stop_timestamp":1704108600}]`
	_, err = s.SyncGuides(ctx, p)
	require.NoError(t, err)

	guides = fs.Guides(uid)
	require.Len(t, guides, 1)
	assert.Equal(t, "Shifted", guides[0].Title)
}

func TestSyncGuidesBatchesEnabledChannels(t *testing.T) {
	ctx := context.Background()
	s, fs, p, slept := newTestSyncer(t)
	uid := p.device.UID
	seedCatalog(t, s, p, 1, 2, 3, 4, 5, 6)
	for _, id := range []int64{1, 2, 3, 4, 5} {
		require.NoError(t, fs.SetChannelEnabled(ctx, uid, id, true))
	}
	for _, id := range []int64{1, 2, 3, 4, 5} {
		p.epg[id] = fmt.Sprintf(`[{"ch_id":"%d","name":"Show","start_timestamp":1704103200,"stop_timestamp":1704106800}]`, id)
	}
	// channel 3 returns a placeholder, channel 4 nothing at all
	p.epg[3] = `[{"ch_id":"3","name":"No details available","start_timestamp":1704103200,"stop_timestamp":1704106800}]`
	delete(p.epg, 4)

	res, err := s.SyncGuides(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Channels)
	assert.Equal(t, 4, res.Responses)
	assert.Equal(t, 3, res.Entries)
	assert.Len(t, res.Rejections, 1)

	assert.Equal(t, [][]string{{"epg:1", "epg:2"}, {"epg:3", "epg:4"}, {"epg:5"}}, p.batches)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, *slept)
}

func TestSyncGuidesSkipsStaleAndForeignEntries(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	uid := p.device.UID
	seedCatalog(t, s, p, 1, 2)
	require.NoError(t, fs.SetChannelEnabled(ctx, uid, 1, true))
	require.NoError(t, fs.SetChannelEnabled(ctx, uid, 2, true))
	seedCatalog(t, s, p, 1) // channel 2 goes stale

	p.epg[1] = `[
		{"ch_id":"1","name":"Mine","start_timestamp":1704103200,"stop_timestamp":1704106800},
		{"ch_id":"9","name":"Foreign","start_timestamp":1704103200,"stop_timestamp":1704106800}
	]`
	res, err := s.SyncGuides(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Channels)
	assert.Equal(t, 1, res.Entries)
	assert.Equal(t, [][]string{{"epg:1"}}, p.batches)
}

func TestSyncGuidesNoEnabledChannels(t *testing.T) {
	s, _, p, _ := newTestSyncer(t)
	seedCatalog(t, s, p, 1)

	res, err := s.SyncGuides(context.Background(), p)
	require.NoError(t, err)
	assert.Zero(t, res.Channels)
	assert.Empty(t, p.batches)
}

func TestSyncGuidesDeviceRemoved(t *testing.T) {
	ctx := context.Background()
	s, fs, p, _ := newTestSyncer(t)
	seedCatalog(t, s, p, 1)
	require.NoError(t, fs.SetChannelEnabled(ctx, p.device.UID, 1, true))
	fs.DeleteDevice(p.device.UID)

	_, err := s.SyncGuides(ctx, p)
	assert.ErrorIs(t, err, store.ErrDeviceGone)
}
