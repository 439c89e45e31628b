package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPlaylistFollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ch/100", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/live/abc/index.m3u8?token=1", http.StatusFound)
	})
	mux.HandleFunc("/live/abc/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(SessionHeader, "sid-1")
		fmt.Fprint(w, "#EXTM3U\nseg1.ts\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	pl, err := FetchPlaylist(context.Background(), srv.Client(), srv.URL+"/ch/100", "ua")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/live/abc/", pl.BaseURL)
	assert.Equal(t, "sid-1", pl.SessionID)
	assert.Contains(t, string(pl.Body), "seg1.ts")
}

func TestFetchPlaylistStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	_, err := FetchPlaylist(context.Background(), srv.Client(), srv.URL, "")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusGone, se.Code)
}

func TestOpenSegmentSendsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SessionHeader) != "sid-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "payload")
	}))
	defer srv.Close()

	resp, err := OpenSegment(context.Background(), srv.Client(), srv.URL, "", "sid-1")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "payload", string(body))

	_, err = OpenSegment(context.Background(), srv.Client(), srv.URL, "", "")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestRewritePlaylist(t *testing.T) {
	in := "#EXTM3U\r\n#EXT-X-TARGETDURATION:6\n\n#EXTINF:6.0,\n  seg1.ts \n#EXTINF:6.0,\nhttp://cdn/seg2.ts\n"
	out, n, err := RewritePlaylist([]byte(in), func(uri string) (string, error) {
		return "X(" + uri + ")", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		"",
		"#EXTINF:6.0,",
		"X(seg1.ts)",
		"#EXTINF:6.0,",
		"X(http://cdn/seg2.ts)",
	}, "\n"), string(out))
}

func TestRewritePlaylistPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := RewritePlaylist([]byte("seg.ts"), func(string) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}
