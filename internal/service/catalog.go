package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/models"
)

// CatalogResult summarizes one catalog sync.
type CatalogResult struct {
	Genres     int         `json:"genres"`
	Channels   int         `json:"channels"`
	Stale      int64       `json:"stale"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// SyncCatalog fetches genres and channels, upserts the valid ones, and
// marks every channel missing from this fetch as stale. Nothing is written
// unless both fetches succeed. Channels are never deleted and their enabled
// flag is left alone.
func (s *Syncer) SyncCatalog(ctx context.Context, p Portal) (res CatalogResult, err error) {
	const task = models.TaskSyncCatalog
	uid := p.Device().UID
	log := s.log.WithFields(logrus.Fields{"device_uid": uid.String(), "task": task})
	started := s.now()
	logUID := uuid.Nil
	defer func() { err = s.finish(ctx, task, logUID, started, err) }()

	rawGenres, err := p.FetchGenres(ctx)
	if err != nil {
		log.WithError(err).Warn("genre list unavailable, skipping catalog sync")
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}
	rawChannels, err := p.FetchChannels(ctx)
	if err != nil {
		log.WithError(err).Warn("channel list unavailable, skipping catalog sync")
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}
	var genreEntries, channelEntries []json.RawMessage
	if err := json.Unmarshal(rawGenres, &genreEntries); err != nil {
		return res, fmt.Errorf("SyncCatalog: genre list: %w", err)
	}
	if err := json.Unmarshal(rawChannels, &channelEntries); err != nil {
		return res, fmt.Errorf("SyncCatalog: channel list: %w", err)
	}

	logUID, err = s.store.StartTaskLog(ctx, uid, task)
	if err != nil {
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}

	genres, known := make([]models.Genre, 0, len(genreEntries)), make(map[int64]bool, len(genreEntries))
	for _, raw := range genreEntries {
		g, perr := ParseGenre(raw)
		if perr != nil {
			res.Rejections = append(res.Rejections, Rejection{Kind: "genre", Reason: perr.Error()})
			continue
		}
		if known[g.GenreID] {
			continue
		}
		known[g.GenreID] = true
		genres = append(genres, g)
	}
	if err := s.store.UpsertGenres(ctx, uid, genres); err != nil {
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}
	res.Genres = len(genres)

	channels := make([]models.Channel, 0, len(channelEntries))
	keep := make([]int64, 0, len(channelEntries))
	seen := make(map[int64]bool, len(channelEntries))
	for _, raw := range channelEntries {
		c, perr := ParseChannel(raw, known)
		if perr != nil {
			res.Rejections = append(res.Rejections, Rejection{Kind: "channel", Reason: perr.Error()})
			continue
		}
		if seen[c.ChannelID] {
			res.Rejections = append(res.Rejections, Rejection{Kind: "channel", Reason: fmt.Sprintf("channel %d: duplicate id", c.ChannelID)})
			continue
		}
		seen[c.ChannelID] = true
		channels = append(channels, c)
		keep = append(keep, c.ChannelID)
	}
	if err := s.store.UpsertChannels(ctx, uid, channels); err != nil {
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}
	res.Channels = len(channels)

	res.Stale, err = s.store.MarkStaleChannels(ctx, uid, keep)
	if err != nil {
		return res, fmt.Errorf("SyncCatalog: %w", err)
	}

	s.reportRejections(log, task, res.Rejections)
	log.WithFields(logrus.Fields{
		"genres":   res.Genres,
		"channels": res.Channels,
		"stale":    res.Stale,
	}).Info("catalog sync complete")
	return res, nil
}
