package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// SessionHeader carries the origin's stream session id.
const SessionHeader = "X-Sid"

// maxPlaylistSize caps manifest bodies; live playlists are a few KB.
const maxPlaylistSize = 4 << 20

// FetchPlaylist fetches an HLS manifest from rawURL following redirects.
// userAgent is optional.
func FetchPlaylist(ctx context.Context, client *http.Client, rawURL, userAgent string) (*Playlist, error) {
	resp, err := get(ctx, client, rawURL, userAgent, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return nil, fmt.Errorf("ReadAll: %w", err)
	}

	final := resp.Request.URL
	base := final.ResolveReference(&url.URL{Path: "./"})
	return &Playlist{
		Body:      body,
		BaseURL:   base.String(),
		SessionID: resp.Header.Get(SessionHeader),
	}, nil
}

// OpenSegment starts a segment download and returns the response with its
// body unread. Non-200 responses are closed and returned as *StatusError.
// The caller must close the body.
func OpenSegment(ctx context.Context, client *http.Client, rawURL, userAgent, sessionID string) (*http.Response, error) {
	resp, err := get(ctx, client, rawURL, userAgent, sessionID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	return resp, nil
}

func get(ctx context.Context, client *http.Client, rawURL, userAgent, sessionID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("NewRequest: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Do: %w", err)
	}
	return resp, nil
}
