package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voyagen/stbgate/internal/logging"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store/storetest"
)

// fakePortal serves canned catalog and EPG payloads.
type fakePortal struct {
	device     models.DeviceProfile
	genres     string
	channels   string
	genresErr  error
	channelErr error

	mu      sync.Mutex
	epg     map[int64]string // channel id -> js payload
	batches [][]string
}

func (p *fakePortal) Device() models.DeviceProfile { return p.device }

func (p *fakePortal) FetchGenres(context.Context) (json.RawMessage, error) {
	if p.genresErr != nil {
		return nil, p.genresErr
	}
	return json.RawMessage(p.genres), nil
}

func (p *fakePortal) FetchChannels(context.Context) (json.RawMessage, error) {
	if p.channelErr != nil {
		return nil, p.channelErr
	}
	return json.RawMessage(p.channels), nil
}

func (p *fakePortal) ShortEPGURL(channelID int64) string {
	return fmt.Sprintf("epg:%d", channelID)
}

func (p *fakePortal) GetBatch(_ context.Context, urls []string) []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, urls)
	var out []json.RawMessage
	for _, u := range urls {
		var id int64
		fmt.Sscanf(strings.TrimPrefix(u, "epg:"), "%d", &id)
		if body, ok := p.epg[id]; ok {
			out = append(out, json.RawMessage(body))
		}
	}
	return out
}

func channelJSON(ids ...int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf(
			`{"id":"%d","number":"%d","name":"Channel %d","hd":"0","tv_genre_id":"1","cmds":[{"id":"%d"}]}`,
			id, id, id, id*10))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

const genresJSON = `[{"id":"1","number":"1","title":"General"},{"id":"*","number":"0","title":"All"}]`

func newTestSyncer(t *testing.T) (*Syncer, *storetest.Fake, *fakePortal, *[]time.Duration) {
	t.Helper()
	fs := storetest.New()
	device := models.DeviceProfile{UID: uuid.New(), Portal: "portal.example", Timezone: "UTC"}
	fs.AddDevice(device)

	s := NewSyncer(fs, Options{GuideBatchSize: 2, GuideBatchMaxDelay: 3 * time.Second, GuideRoundTimes: true}, logging.Discard())
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	s.jitter = func(limit time.Duration) time.Duration { return limit }

	p := &fakePortal{device: device, genres: genresJSON, epg: map[int64]string{}}
	return s, fs, p, &slept
}
