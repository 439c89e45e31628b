package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/scheduler"
	"github.com/voyagen/stbgate/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// deviceView leaves out the device ids and signature.
type deviceView struct {
	UID        uuid.UUID `json:"device_uid"`
	MACAddress string    `json:"mac_address"`
	Portal     string    `json:"portal"`
	Language   string    `json:"language"`
	Timezone   string    `json:"timezone"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{
			UID:        d.UID,
			MACAddress: d.MACAddress,
			Portal:     d.Portal,
			Language:   d.Language,
			Timezone:   d.Timezone,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- catalog ---

func (s *Server) handleListGenres(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	enabled, err := parseState(r.URL.Query().Get("state"))
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	genres, err := s.store.ListGenres(r.Context(), store.GenreFilter{DeviceUID: d.UID, Enabled: enabled})
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if genres == nil {
		genres = []models.Genre{}
	}
	s.writeJSON(w, http.StatusOK, genres)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := store.ChannelFilter{DeviceUID: d.UID, Query: q.Get("q")}

	var err error
	if filter.Enabled, err = parseState(q.Get("state")); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if filter.Stale, err = parseBool("stale", q.Get("stale")); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if v := q.Get("genre"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid genre: %s", v))
			return
		}
		filter.GenreID = &id
	}

	channels, err := s.store.ListChannels(r.Context(), filter)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	s.writeJSON(w, http.StatusOK, channels)
}

type toggleAllRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleToggleAll(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	var req toggleAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.Enabled == nil {
		s.writeErr(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}

	n, err := s.store.SetAllChannelsEnabled(r.Context(), d.UID, *req.Enabled)
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("device %s not found", d.UID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"device_uid": d.UID,
		"enabled":    *req.Enabled,
		"updated":    n,
	})
}

type toggleChannelRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleToggleChannel flips the channel, or sets it when the body carries "enabled".
func (s *Server) handleToggleChannel(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	channelID, err := parseID(r, "channel")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	var req toggleChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	var enabled bool
	if req.Enabled != nil {
		enabled = *req.Enabled
		err = s.store.SetChannelEnabled(r.Context(), d.UID, channelID, enabled)
	} else {
		enabled, err = s.store.ToggleChannel(r.Context(), d.UID, channelID)
	}
	if err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("channel %d not found", channelID))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"enabled":    enabled,
	})
}

// handleRefresh queues a background run; the work itself outlives the request.
func (s *Server) handleRefresh(task string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := s.device(w, r)
		if !ok {
			return
		}
		if err := s.trigger.Trigger(d.UID, task); err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, scheduler.ErrUnknownTask) {
				status = http.StatusInternalServerError
			}
			s.writeErr(w, status, fmt.Errorf("trigger %s: %w", task, err))
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"device_uid": d.UID,
			"task":       task,
			"queued":     true,
		})
	}
}

// --- guides ---

func (s *Server) handleCurrentGuides(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	guides, err := s.store.ListCurrentGuides(r.Context(), d.UID, s.now())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if guides == nil {
		guides = []models.ChannelGuide{}
	}
	s.writeJSON(w, http.StatusOK, guides)
}

func (s *Server) handleChannelGuide(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	channelID, err := parseID(r, "channel")
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetChannel(r.Context(), d.UID, channelID); err != nil {
		s.writeStoreErr(w, err, fmt.Sprintf("channel %d not found", channelID))
		return
	}

	guides, err := s.store.ListChannelGuide(r.Context(), d.UID, channelID, s.now())
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if guides == nil {
		guides = []models.ChannelGuide{}
	}
	s.writeJSON(w, http.StatusOK, guides)
}

// --- task logs ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	d, ok := s.device(w, r)
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", v))
			return
		}
		limit = min(n, 500)
	}

	logs, err := s.store.ListTaskLogs(r.Context(), d.UID, limit)
	if err != nil {
		s.writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if logs == nil {
		logs = []models.TaskLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}
