package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voyagen/stbgate/internal/models"
	"github.com/voyagen/stbgate/internal/store"
)

// GuideResult summarizes one guide sync.
type GuideResult struct {
	Channels   int         `json:"channels"`
	Responses  int         `json:"responses"`
	Entries    int         `json:"entries"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// SyncGuides fetches the short EPG of every enabled, non-stale channel in
// batches, pausing a random delay between batches, and upserts the entries.
// Each batch is written as soon as it is parsed.
func (s *Syncer) SyncGuides(ctx context.Context, p Portal) (res GuideResult, err error) {
	const task = models.TaskSyncGuides
	device := p.Device()
	uid := device.UID
	log := s.log.WithFields(logrus.Fields{"device_uid": uid.String(), "task": task})
	started := s.now()
	logUID := uuid.Nil
	defer func() { err = s.finish(ctx, task, logUID, started, err) }()

	enabled, stale := true, false
	channels, err := s.store.ListChannels(ctx, store.ChannelFilter{DeviceUID: uid, Enabled: &enabled, Stale: &stale})
	if err != nil {
		return res, fmt.Errorf("SyncGuides: %w", err)
	}
	res.Channels = len(channels)

	logUID, err = s.store.StartTaskLog(ctx, uid, task)
	if err != nil {
		return res, fmt.Errorf("SyncGuides: %w", err)
	}
	if len(channels) == 0 {
		log.Info("no enabled channels, nothing to sync")
		return res, nil
	}

	urls := make([]string, 0, len(channels))
	wanted := make(map[int64]bool, len(channels))
	for _, c := range channels {
		urls = append(urls, p.ShortEPGURL(c.ChannelID))
		wanted[c.ChannelID] = true
	}
	opts := GuideOptions{Location: device.Location(), RoundTimes: s.opts.GuideRoundTimes}

	size := s.opts.GuideBatchSize
	for i := 0; i < len(urls); i += size {
		if i > 0 {
			if err := s.sleep(ctx, s.jitter(s.opts.GuideBatchMaxDelay)); err != nil {
				return res, fmt.Errorf("SyncGuides: %w", err)
			}
		}
		batch := urls[i:min(i+size, len(urls))]
		responses := p.GetBatch(ctx, batch)
		res.Responses += len(responses)

		var guides []models.ChannelGuide
		for _, js := range responses {
			var entries []json.RawMessage
			if err := json.Unmarshal(js, &entries); err != nil {
				res.Rejections = append(res.Rejections, Rejection{Kind: "guide", Reason: "guide response is not a list"})
				continue
			}
			for _, raw := range entries {
				g, perr := ParseGuide(raw, opts)
				if perr != nil {
					res.Rejections = append(res.Rejections, Rejection{Kind: "guide", Reason: perr.Error()})
					continue
				}
				if !wanted[g.ChannelID] {
					res.Rejections = append(res.Rejections, Rejection{Kind: "guide", Reason: fmt.Sprintf("guide for channel %d: channel not requested", g.ChannelID)})
					continue
				}
				guides = append(guides, g)
			}
		}
		if err := s.store.UpsertChannelGuides(ctx, uid, guides); err != nil {
			return res, fmt.Errorf("SyncGuides: %w", err)
		}
		res.Entries += len(guides)
	}

	s.reportRejections(log, task, res.Rejections)
	log.WithFields(logrus.Fields{
		"channels":  res.Channels,
		"responses": res.Responses,
		"entries":   res.Entries,
	}).Info("guide sync complete")
	return res, nil
}
