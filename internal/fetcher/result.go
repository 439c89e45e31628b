package fetcher

import "fmt"

// Playlist is an origin HLS manifest as fetched, after redirects.
type Playlist struct {
	Body []byte
	// BaseURL is the directory of the final (post-redirect) URL, ending in "/".
	BaseURL string
	// SessionID is the origin's X-Sid header, replayed on segment fetches.
	SessionID string
}

// StatusError is returned when the origin answers with a non-200 status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL)
}
