package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyagen/stbgate/internal/config"
	"github.com/voyagen/stbgate/internal/logging"
	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/portal"
	"github.com/voyagen/stbgate/internal/proxy"
	"github.com/voyagen/stbgate/internal/store/storetest"
)

type triggerCall struct {
	uid  uuid.UUID
	task string
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []triggerCall
	err   error
}

func (f *fakeTrigger) Trigger(uid uuid.UUID, task string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, triggerCall{uid, task})
	return nil
}

type linkFunc func(ctx context.Context, streamID int64) (string, error)

func (f linkFunc) CreateLink(ctx context.Context, streamID int64) (string, error) {
	return f(ctx, streamID)
}

type env struct {
	srv     *Server
	store   *storetest.Fake
	trigger *fakeTrigger
	uid     uuid.UUID
	origin  *httptest.Server
	linkErr error
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: storetest.New(), trigger: &fakeTrigger{}, uid: uuid.New()}
	e.now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("X-Sid", "s1")
			fmt.Fprint(w, "#EXTM3U\n#EXTINF:6,\na.ts\n#EXTINF:6,\nb.ts\n")
		default:
			fmt.Fprint(w, "TS:"+r.URL.Path+":"+r.Header.Get("X-Sid"))
		}
	}))
	t.Cleanup(e.origin.Close)

	ctx := context.Background()
	e.store.AddDevice(models.DeviceProfile{UID: e.uid, MACAddress: "00:1A:79:00:00:01", Signature: "secret", Timezone: "UTC"})
	require.NoError(t, e.store.UpsertGenres(ctx, e.uid, []models.Genre{{GenreID: 1, Name: "News"}, {GenreID: 2, Name: "Sport"}}))
	require.NoError(t, e.store.UpsertChannels(ctx, e.uid, []models.Channel{
		{ChannelID: 10, Number: 1, Name: "News One", GenreID: 1, StreamID: 42, HD: true},
		{ChannelID: 11, Number: 2, Name: "Sport One", GenreID: 2, StreamID: 43},
		{ChannelID: 12, Number: 3, Name: "Gone", GenreID: 2, StreamID: 44},
	}))
	require.NoError(t, e.store.SetChannelEnabled(ctx, e.uid, 10, true))
	require.NoError(t, e.store.SetChannelEnabled(ctx, e.uid, 12, true))
	_, err := e.store.MarkStaleChannels(ctx, e.uid, []int64{10, 11})
	require.NoError(t, err)
	require.NoError(t, e.store.UpsertChannelGuides(ctx, e.uid, []models.ChannelGuide{
		{ChannelID: 10, Title: "Morning <News>", Description: "Headlines", Categories: []string{"News", "Live"},
			Start: e.now.Add(-30 * time.Minute), End: e.now.Add(30 * time.Minute)},
		{ChannelID: 10, Title: "Old", Start: e.now.Add(-2 * time.Hour), End: e.now.Add(-time.Hour)},
	}))

	resolve := func(context.Context, uuid.UUID) (proxy.LinkResolver, error) {
		return linkFunc(func(_ context.Context, streamID int64) (string, error) {
			if e.linkErr != nil {
				return "", e.linkErr
			}
			return fmt.Sprintf("%s/live/%d/index.m3u8", e.origin.URL, streamID), nil
		}), nil
	}
	p, err := proxy.New(e.store, resolve, proxy.Options{HTTPClient: e.origin.Client()}, logging.Discard())
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.BaseURL = "http://gw.example:8080/"
	e.srv = New(e.store, p, e.trigger, cfg, logging.Discard())
	e.srv.now = func() time.Time { return e.now }
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *env) api(path string) string {
	return "/api/devices/" + e.uid.String() + path
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListDevicesHidesSecrets(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	assert.Contains(t, rec.Body.String(), e.uid.String())
}

func TestDeviceErrors(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/devices/not-a-uuid/channels", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/devices/"+uuid.NewString()+"/channels", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	apiErr := decode[APIError](t, rec)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Detail, "not found")
}

func TestListChannelsFilters(t *testing.T) {
	e := newEnv(t)

	all := decode[[]models.Channel](t, e.do(t, http.MethodGet, e.api("/channels"), ""))
	assert.Len(t, all, 3)

	enabled := decode[[]models.Channel](t, e.do(t, http.MethodGet, e.api("/channels?state=enabled&stale=false"), ""))
	require.Len(t, enabled, 1)
	assert.Equal(t, int64(10), enabled[0].ChannelID)

	sport := decode[[]models.Channel](t, e.do(t, http.MethodGet, e.api("/channels?genre=2&q=sport"), ""))
	require.Len(t, sport, 1)
	assert.Equal(t, int64(11), sport[0].ChannelID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, e.api("/channels?state=on"), "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, e.api("/channels?genre=x"), "").Code)
}

func TestListGenresByState(t *testing.T) {
	e := newEnv(t)
	genres := decode[[]models.Genre](t, e.do(t, http.MethodGet, e.api("/genres?state=disabled"), ""))
	require.Len(t, genres, 1)
	assert.Equal(t, int64(2), genres[0].GenreID)
}

func TestToggleChannel(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, e.api("/channels/11/toggle"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channel_id":11,"enabled":true}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, e.api("/channels/11/toggle"), `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channel_id":11,"enabled":true}`, rec.Body.String())

	rec = e.do(t, http.MethodPost, e.api("/channels/11/toggle"), "")
	assert.JSONEq(t, `{"channel_id":11,"enabled":false}`, rec.Body.String())

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, e.api("/channels/999/toggle"), "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, e.api("/channels/abc/toggle"), "").Code)
}

func TestToggleAll(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, e.api("/channels/toggle"), `{}`).Code)

	rec := e.do(t, http.MethodPost, e.api("/channels/toggle"), `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[map[string]any](t, rec)
	assert.Equal(t, float64(2), out["updated"])

	enabled := decode[[]models.Channel](t, e.do(t, http.MethodGet, e.api("/channels?state=enabled"), ""))
	assert.Empty(t, enabled)
}

func TestRefreshQueuesTasks(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, e.api("/channels/refresh"), "").Code)
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, e.api("/guides/refresh"), "").Code)
	assert.Equal(t, []triggerCall{
		{e.uid, models.TaskSyncCatalog},
		{e.uid, models.TaskSyncGuides},
	}, e.trigger.calls)

	e.trigger.err = errors.New("scheduler stopped")
	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodPost, e.api("/guides/refresh"), "").Code)
}

func TestGuides(t *testing.T) {
	e := newEnv(t)

	current := decode[[]models.ChannelGuide](t, e.do(t, http.MethodGet, e.api("/guides"), ""))
	require.Len(t, current, 1)
	assert.Equal(t, "Morning <News>", current[0].Title)

	one := decode[[]models.ChannelGuide](t, e.do(t, http.MethodGet, e.api("/channels/10/guide"), ""))
	assert.Len(t, one, 1)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, e.api("/channels/999/guide"), "").Code)
}

func TestTasks(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.StartTaskLog(context.Background(), e.uid, models.TaskSyncCatalog)
	require.NoError(t, err)

	logs := decode[[]models.TaskLog](t, e.do(t, http.MethodGet, e.api("/tasks?limit=5"), ""))
	require.Len(t, logs, 1)
	assert.Equal(t, models.TaskSyncCatalog, logs[0].TaskName)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, e.api("/tasks?limit=-1"), "").Code)
}

func TestHDHRLineup(t *testing.T) {
	e := newEnv(t)
	base := "/hdhr/" + e.uid.String()

	discover := decode[map[string]any](t, e.do(t, http.MethodGet, base+"/discover.json", ""))
	assert.Equal(t, "http://gw.example:8080/hdhr/"+e.uid.String()+"/lineup.json", discover["LineupURL"])
	assert.Len(t, discover["DeviceID"], 8)

	status := decode[map[string]any](t, e.do(t, http.MethodGet, base+"/lineup_status.json", ""))
	assert.Equal(t, float64(0), status["ScanInProgress"])

	lineup := decode[[]lineupEntry](t, e.do(t, http.MethodGet, base+"/lineup.json", ""))
	require.Len(t, lineup, 1, "only enabled, non-stale channels")
	assert.Equal(t, lineupEntry{
		GuideNumber: "10",
		GuideName:   "News One",
		HD:          1,
		URL:         "http://gw.example:8080/proxy/" + e.uid.String() + "/channels/10/playlist.m3u8",
	}, lineup[0])

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/hdhr/"+uuid.NewString()+"/lineup.json", "").Code)
}

func TestGuideXML(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/hdhr/"+e.uid.String()+"/guide.xml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, rec.Body.String(), "Morning &lt;News&gt;")

	var tv xmltvRoot
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &tv))
	require.Len(t, tv.Channels, 1)
	assert.Equal(t, "10", tv.Channels[0].ID)
	require.Len(t, tv.Programmes, 1)
	p := tv.Programmes[0]
	assert.Equal(t, "20240301113000 +0000", p.Start)
	assert.Equal(t, "20240301123000 +0000", p.Stop)
	assert.Equal(t, "Morning <News>", p.Title.Value)
	require.NotNil(t, p.Desc)
	assert.Equal(t, "Headlines", p.Desc.Value)
	assert.Len(t, p.Categories, 2)
}

func TestProxyPlaylistAndSegment(t *testing.T) {
	e := newEnv(t)
	path := "/proxy/" + e.uid.String() + "/channels/10/"

	rec := e.do(t, http.MethodGet, path+"playlist.m3u8", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.apple.mpegurl", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), e.origin.URL)

	var links []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			links = append(links, line)
		}
	}
	require.Len(t, links, 2)
	prefix := "http://gw.example:8080" + path + "stream.ts?data="
	for _, l := range links {
		assert.True(t, strings.HasPrefix(l, prefix), l)
	}

	u, err := url.Parse(links[1])
	require.NoError(t, err)
	rec = e.do(t, http.MethodGet, u.RequestURI(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "TS:/live/42/b.ts:s1", rec.Body.String())

	// a token minted for channel 10 is not valid for channel 11
	rec = e.do(t, http.MethodGet, strings.Replace(u.RequestURI(), "/channels/10/", "/channels/11/", 1), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProxyErrors(t *testing.T) {
	e := newEnv(t)
	path := "/proxy/" + e.uid.String() + "/channels/"

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, path+"10/stream.ts", "").Code)
	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, path+"10/stream.ts?data=AAAA", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, path+"999/playlist.m3u8", "").Code)

	e.linkErr = fmt.Errorf("CreateLink: %w", portal.ErrAwaitingTimeout)
	rec := e.do(t, http.MethodGet, path+"10/playlist.m3u8", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "channel unavailable")

	e.linkErr = fmt.Errorf("CreateLink: %w", portal.ErrLinkFault)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, path+"10/playlist.m3u8", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDocs(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/docs/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openapi: 3.0.3")
}

func TestWithLoggingCapturesStatus(t *testing.T) {
	h := withLogging(logging.Discard(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hi"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	withCORS(e.srv).ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
