package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/voyagen/stbgate/internal/proxy"
)

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	uid, err := parseDevice(r)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	channelID, err := parseID(r, "channel")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	segment := s.proxyURL(uid, channelID, "stream.ts") + "?data="
	body, err := s.proxy.Playlist(r.Context(), uid, channelID, func(token string) string {
		return segment + url.QueryEscape(token)
	})
	if err != nil {
		s.writeProxyErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	uid, err := parseDevice(r)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	channelID, err := parseID(r, "channel")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	data := r.URL.Query().Get("data")
	if data == "" {
		s.writeErr(w, http.StatusForbidden, fmt.Errorf("%w: missing data", proxy.ErrBadToken))
		return
	}

	if err := s.proxy.ServeSegment(r.Context(), w, uid, channelID, data); err != nil {
		s.writeProxyErr(w, err)
	}
}

// writeProxyErr maps a proxy failure to the viewer-facing status.
func (s *Server) writeProxyErr(w http.ResponseWriter, err error) {
	status := proxy.StatusOf(err)
	if status == http.StatusServiceUnavailable {
		s.writeErr(w, status, fmt.Errorf("channel unavailable: %w", err))
		return
	}
	s.writeErr(w, status, err)
}
