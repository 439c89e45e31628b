package fetcher

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// RewriteSegments copies an HLS playlist from r to w, replacing every URI
// line (non-empty and not starting with '#') with rewrite(line). Tag and
// blank lines pass through trimmed. It returns the number of URI lines.
func RewriteSegments(r io.Reader, w io.Writer, rewrite func(uri string) (string, error)) (int, error) {
	scanner := bufio.NewScanner(r)
	// Handle long lines (some playlists carry very long tag attributes).
	const maxSize = 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSize)

	bw := bufio.NewWriter(w)
	n := 0
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			out, err := rewrite(line)
			if err != nil {
				return n, err
			}
			line = out
			n++
		}
		if !first {
			bw.WriteByte('\n')
		}
		first = false
		bw.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// RewritePlaylist is RewriteSegments over an in-memory body.
func RewritePlaylist(body []byte, rewrite func(uri string) (string, error)) ([]byte, int, error) {
	var out bytes.Buffer
	n, err := RewriteSegments(bytes.NewReader(body), &out, rewrite)
	if err != nil {
		return nil, n, err
	}
	return out.Bytes(), n, nil
}
